package config

import (
	"errors"
	"fmt"

	"pond-gateway/internal/data"
)

// ValidationError names the offending key.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks ranges and cross-field requirements. All problems are
// reported together, each as a *ValidationError reachable with errors.As.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	for field, port := range map[string]int{"server.data_port": c.Server.DataPort, "server.ui_port": c.Server.UIPort} {
		if port < 1 || port > 65535 {
			add(field, "port must be between 1 and 65535, got %d", port)
		}
	}
	if c.Server.IngestRate <= 0 {
		add("server.ingest_rate", "must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn", "required for driver %s", c.Storage.Driver)
		}
	default:
		add("storage.driver", "unknown driver %q", c.Storage.Driver)
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker", "required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		add("mqtt.qos", "must be 0, 1 or 2")
	}
	if c.Ingest.Workers < 1 {
		add("ingest.workers", "must be at least 1")
	}
	if c.Notify.Workers < 1 {
		add("notify.workers", "must be at least 1")
	}

	for name := range c.Thresholds {
		if _, ok := data.ParseParameter(name); !ok {
			add("thresholds."+name, "unknown parameter")
		}
	}
	for section, ranges := range map[string]map[string]Range{
		"anomaly.normal_ranges":   c.Anomaly.NormalRanges,
		"anomaly.critical_ranges": c.Anomaly.CriticalRanges,
	} {
		for name, r := range ranges {
			if _, ok := data.ParseParameter(name); !ok {
				add(section+"."+name, "unknown parameter")
			}
			if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
				add(section+"."+name, "min %g exceeds max %g", *r.Min, *r.Max)
			}
		}
	}
	b := c.Anomaly.Bands
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		add("anomaly.bands", "cut points must satisfy medium <= high <= critical")
	}
	if c.Anomaly.Contamination <= 0 || c.Anomaly.Contamination >= 0.5 {
		add("anomaly.contamination", "must be in (0, 0.5), got %g", c.Anomaly.Contamination)
	}
	if c.Anomaly.Trees < 1 {
		add("anomaly.trees", "must be at least 1")
	}
	if c.Anomaly.MinTrainingSamples < 2 {
		add("anomaly.min_training_samples", "must be at least 2")
	}
	if c.Alerts.Cooldown < 0 {
		add("alerts.cooldown", "must not be negative")
	}

	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			add(fmt.Sprintf("auth.users[%d]", i), "username and password_hash are required")
		}
	}
	if len(c.Auth.Users) > 0 && c.Auth.JWTSecret == "" {
		add("auth.jwt_secret", "required when users are configured")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
