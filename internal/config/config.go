// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pond-gateway/internal/data"
	"pond-gateway/internal/threshold"
)

type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Log        LogConfig                  `mapstructure:"log"`
	Storage    StorageConfig              `mapstructure:"storage"`
	MQTT       MQTTConfig                 `mapstructure:"mqtt"`
	Ingest     IngestConfig               `mapstructure:"ingest"`
	Thresholds map[string]threshold.Band `mapstructure:"thresholds"`
	Anomaly    AnomalyConfig              `mapstructure:"anomaly"`
	Alerts     AlertsConfig               `mapstructure:"alerts"`
	Notify     NotifyConfig               `mapstructure:"notify"`
	SMS        SMSConfig                  `mapstructure:"sms"`
	Auth       AuthConfig                 `mapstructure:"auth"`
}

type ServerConfig struct {
	DataPort       int      `mapstructure:"data_port"`
	UIPort         int      `mapstructure:"ui_port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	IngestRate     float64  `mapstructure:"ingest_rate"`
	IngestBurst    int      `mapstructure:"ingest_burst"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type StorageConfig struct {
	Driver         string `mapstructure:"driver"` // memory, sqlite or postgres
	DSN            string `mapstructure:"dsn"`
	MemoryCapacity int    `mapstructure:"memory_capacity"`
}

type MQTTConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Broker    string   `mapstructure:"broker"`
	ClientID  string   `mapstructure:"client_id"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Topics    []string `mapstructure:"topics"`
	QoS       byte     `mapstructure:"qos"`
	ManualAck bool     `mapstructure:"manual_ack"`
}

type IngestConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// Range bounds a parameter for the rule-based anomaly strategy.
type Range struct {
	Min *float64 `mapstructure:"min" json:"min,omitempty"`
	Max *float64 `mapstructure:"max" json:"max,omitempty"`
}

type AnomalyConfig struct {
	NormalRanges       map[string]Range `mapstructure:"normal_ranges"`
	CriticalRanges     map[string]Range `mapstructure:"critical_ranges"`
	Bands              data.ScoreBands  `mapstructure:"bands"`
	MinTrainingSamples int              `mapstructure:"min_training_samples"`
	ModelPath          string           `mapstructure:"model_path"`
	WatchModel         bool             `mapstructure:"watch_model"`
	Trees              int              `mapstructure:"trees"`
	SampleSize         int              `mapstructure:"sample_size"`
	Contamination      float64          `mapstructure:"contamination"`
	Seed               int64            `mapstructure:"seed"`
	TrainingLimit      int              `mapstructure:"training_limit"`
}

type AlertsConfig struct {
	Cooldown          time.Duration `mapstructure:"cooldown"`
	StatsWindow       time.Duration `mapstructure:"stats_window"`
	BatteryLowPercent float64       `mapstructure:"battery_low_percent"`
}

type NotifyConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

type SMSConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
	ToNumber   string `mapstructure:"to_number"`
}

type AuthConfig struct {
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

// User is a UI account. Passwords are stored as bcrypt hashes only.
type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// Load reads config.yaml from dir (optional) and POND_* environment overrides
// on top of Default().
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.SetEnvPrefix("POND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers scalar keys so env overrides resolve even without a file.
// Map-valued sections keep the defaults already present in cfg.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.data_port", cfg.Server.DataPort)
	v.SetDefault("server.ui_port", cfg.Server.UIPort)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.ingest_rate", cfg.Server.IngestRate)
	v.SetDefault("server.ingest_burst", cfg.Server.IngestBurst)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.console", cfg.Log.Console)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.memory_capacity", cfg.Storage.MemoryCapacity)

	v.SetDefault("mqtt.enabled", cfg.MQTT.Enabled)
	v.SetDefault("mqtt.broker", cfg.MQTT.Broker)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.topics", cfg.MQTT.Topics)
	v.SetDefault("mqtt.qos", cfg.MQTT.QoS)
	v.SetDefault("mqtt.manual_ack", cfg.MQTT.ManualAck)

	v.SetDefault("ingest.workers", cfg.Ingest.Workers)
	v.SetDefault("ingest.queue_size", cfg.Ingest.QueueSize)

	v.SetDefault("anomaly.bands.critical", cfg.Anomaly.Bands.Critical)
	v.SetDefault("anomaly.bands.high", cfg.Anomaly.Bands.High)
	v.SetDefault("anomaly.bands.medium", cfg.Anomaly.Bands.Medium)
	v.SetDefault("anomaly.min_training_samples", cfg.Anomaly.MinTrainingSamples)
	v.SetDefault("anomaly.model_path", cfg.Anomaly.ModelPath)
	v.SetDefault("anomaly.watch_model", cfg.Anomaly.WatchModel)
	v.SetDefault("anomaly.trees", cfg.Anomaly.Trees)
	v.SetDefault("anomaly.sample_size", cfg.Anomaly.SampleSize)
	v.SetDefault("anomaly.contamination", cfg.Anomaly.Contamination)
	v.SetDefault("anomaly.seed", cfg.Anomaly.Seed)
	v.SetDefault("anomaly.training_limit", cfg.Anomaly.TrainingLimit)

	v.SetDefault("alerts.cooldown", cfg.Alerts.Cooldown)
	v.SetDefault("alerts.stats_window", cfg.Alerts.StatsWindow)
	v.SetDefault("alerts.battery_low_percent", cfg.Alerts.BatteryLowPercent)

	v.SetDefault("notify.workers", cfg.Notify.Workers)
	v.SetDefault("notify.queue_size", cfg.Notify.QueueSize)
	v.SetDefault("notify.sink_timeout", cfg.Notify.SinkTimeout)

	v.SetDefault("sms.account_sid", "")
	v.SetDefault("sms.auth_token", "")
	v.SetDefault("sms.from_number", "")
	v.SetDefault("sms.to_number", "")

	v.SetDefault("auth.jwt_secret", cfg.Auth.JWTSecret)
	v.SetDefault("auth.jwt_expiration", cfg.Auth.JWTExpiration)
	v.SetDefault("auth.api_keys", cfg.Auth.APIKeys)
}

// ThresholdSet converts the configured bands into an evaluator set.
func (c *Config) ThresholdSet() (threshold.Set, error) {
	set := make(threshold.Set, len(c.Thresholds))
	for name, band := range c.Thresholds {
		p, ok := data.ParseParameter(name)
		if !ok {
			return nil, fmt.Errorf("thresholds: unknown parameter %q", name)
		}
		set[p] = band
	}
	return set, nil
}
