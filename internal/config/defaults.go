package config

import (
	"time"

	"pond-gateway/internal/data"
	"pond-gateway/internal/threshold"
)

// Default returns a fully populated configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			DataPort:       8080,
			UIPort:         8081,
			AllowedOrigins: []string{"*"},
			IngestRate:     50,
			IngestBurst:    100,
		},
		Log: LogConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Storage: StorageConfig{
			Driver:         "sqlite",
			DSN:            "pond.db",
			MemoryCapacity: 10000,
		},
		MQTT: MQTTConfig{
			Enabled:  true,
			Broker:   "tcp://localhost:1883",
			ClientID: "pond-gateway",
			Topics:   []string{"sensors/water_quality", "sensors/+", "farm1/+/data", "status/+"},
			QoS:      1,
		},
		Ingest:     IngestConfig{Workers: 4, QueueSize: 256},
		Thresholds: defaultThresholds(),
		Anomaly: AnomalyConfig{
			NormalRanges:       DefaultNormalRanges(),
			CriticalRanges:     DefaultCriticalRanges(),
			Bands:              data.DefaultScoreBands(),
			MinTrainingSamples: 50,
			ModelPath:          "models/anomaly_model.json",
			WatchModel:         true,
			Trees:              100,
			SampleSize:         256,
			Contamination:      0.1,
			Seed:               42,
			TrainingLimit:      10000,
		},
		Alerts: AlertsConfig{
			Cooldown:          15 * time.Minute,
			StatsWindow:       7 * 24 * time.Hour,
			BatteryLowPercent: 20,
		},
		Notify: NotifyConfig{Workers: 2, QueueSize: 128, SinkTimeout: 5 * time.Second},
		Auth:   AuthConfig{JWTExpiration: 60},
	}
}

func defaultThresholds() map[string]threshold.Band {
	out := make(map[string]threshold.Band)
	for p, b := range threshold.Defaults() {
		out[string(p)] = b
	}
	return out
}

func bounds(min, max float64) Range {
	return Range{Min: data.Float(min), Max: data.Float(max)}
}

// DefaultNormalRanges are the stock rule-based normal ranges.
func DefaultNormalRanges() map[string]Range {
	return map[string]Range{
		"temperature":      bounds(20, 30),
		"ph":               bounds(6.5, 8.5),
		"dissolved_oxygen": bounds(5, 12),
		"turbidity":        bounds(0, 50),
		"ammonia":          bounds(0, 0.5),
		"nitrite":          bounds(0, 0.1),
		"nitrate":          bounds(0, 40),
		"water_level":      bounds(0.5, 3.0),
	}
}

// DefaultCriticalRanges are the stock rule-based critical ranges.
func DefaultCriticalRanges() map[string]Range {
	return map[string]Range{
		"temperature":      bounds(15, 35),
		"ph":               bounds(6, 9),
		"dissolved_oxygen": bounds(3, 15),
		"turbidity":        bounds(0, 100),
		"ammonia":          bounds(0, 1),
		"nitrite":          bounds(0, 0.5),
		"nitrate":          bounds(0, 80),
		"water_level":      bounds(0.2, 4.0),
	}
}
