// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when the payload is not a JSON object.
	ErrMalformed = errors.New("malformed payload")
	// ErrMissingPondID is returned when neither payload nor topic name a pond.
	ErrMissingPondID = errors.New("missing pond_id")
)

// Envelope is a parsed sensor message: the normalized reading, any device
// metadata that rode along, and advisory validation warnings.
type Envelope struct {
	Reading  Reading
	Device   DeviceInfo
	Warnings []string
	// TimestampSubstituted is set when the payload timestamp was absent or unusable.
	TimestampSubstituted bool
}

// physical domain per parameter; values outside are suspicious but still stored
type domain struct{ min, max float64 }

var physicalDomains = map[Parameter]domain{
	PH:              {0, 14},
	Temperature:     {-10, 50},
	DissolvedOxygen: {0, 20},
	Turbidity:       {0, math.Inf(1)},
	Nitrate:         {0, math.Inf(1)},
	Nitrite:         {0, math.Inf(1)},
	Ammonia:         {0, math.Inf(1)},
	WaterLevel:      {0, math.Inf(1)},
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Parse decodes a flat JSON sensor payload. fallbackPondID is used when the
// payload carries no pond_id (legacy topics encode it in the topic). now is
// substituted for a missing or unparsable timestamp.
func Parse(raw []byte, fallbackPondID string, now time.Time) (*Envelope, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	env := &Envelope{}
	r := &env.Reading

	r.PondID = stringField(payload, "pond_id")
	if r.PondID == "" {
		r.PondID = strings.TrimSpace(fallbackPondID)
	}
	if r.PondID == "" {
		return nil, ErrMissingPondID
	}
	r.DeviceID = stringField(payload, "device_id")

	ts, ok := parseTimestamp(payload["timestamp"])
	if !ok {
		ts = now
		env.TimestampSubstituted = true
	}
	r.Timestamp = ts.UTC()

	for _, name := range AllParameters {
		field, present := payload[string(name)]
		if !present || field == nil {
			continue
		}
		v, ok := number(field)
		if !ok {
			env.Warnings = append(env.Warnings, fmt.Sprintf("%s is not numeric: %v", name, field))
			continue
		}
		_ = r.Parameters.Set(name, Float(v))
		if d, ok := physicalDomains[name]; ok && (v < d.min || v > d.max) {
			env.Warnings = append(env.Warnings, fmt.Sprintf("%s out of range: %g", name, v))
		}
	}

	env.Device = DeviceInfo{
		BatteryLevel:   numberField(payload, "battery_level"),
		SignalStrength: numberField(payload, "signal_strength"),
		DataQuality:    stringField(payload, "data_quality"),
		SensorDrift:    numberField(payload, "sensor_drift"),
		Status:         stringField(payload, "status"),
	}
	return env, nil
}

// ParseStatus decodes a heartbeat or device-status payload. Only device_id is
// required.
func ParseStatus(raw []byte) (deviceID, pondID string, info DeviceInfo, err error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", "", DeviceInfo{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	deviceID = stringField(payload, "device_id")
	if deviceID == "" {
		return "", "", DeviceInfo{}, fmt.Errorf("%w: missing device_id", ErrMalformed)
	}
	info = DeviceInfo{
		BatteryLevel:   numberField(payload, "battery_level"),
		SignalStrength: numberField(payload, "signal_strength"),
		DataQuality:    stringField(payload, "data_quality"),
		SensorDrift:    numberField(payload, "sensor_drift"),
		Status:         stringField(payload, "status"),
	}
	return deviceID, stringField(payload, "pond_id"), info, nil
}

func stringField(payload map[string]interface{}, key string) string {
	switch v := payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func numberField(payload map[string]interface{}, key string) *float64 {
	raw, ok := payload[key]
	if !ok || raw == nil {
		return nil
	}
	if v, ok := number(raw); ok {
		return Float(v)
	}
	return nil
}

func number(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, !math.IsNaN(v) && !math.IsInf(v, 0)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func parseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case float64:
		return fromEpoch(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

// fromEpoch accepts seconds or milliseconds since the epoch.
func fromEpoch(v float64) (time.Time, bool) {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v > 1e12 {
		v /= 1000
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
