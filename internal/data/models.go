// internal/data/models.go
package data

import (
	"math"
	"time"
)

// Reading is one timestamped water-quality sample for a pond.
type Reading struct {
	ID             string     `json:"id"`
	PondID         string     `json:"pond_id"`
	DeviceID       string     `json:"device_id,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
	Parameters     Parameters `json:"parameters"`
	IsAnomaly      bool       `json:"is_anomaly"`
	AnomalyScore   *float64   `json:"anomaly_score,omitempty"`
	AnomalyReasons []string   `json:"anomaly_reasons,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Decided reports whether the anomaly fields were written by a decision pass.
func (r *Reading) Decided() bool {
	return r.AnomalyScore != nil
}

// DeviceInfo is the optional device metadata carried next to a reading.
type DeviceInfo struct {
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	SignalStrength *float64 `json:"signal_strength,omitempty"`
	DataQuality    string   `json:"data_quality,omitempty"`
	SensorDrift    *float64 `json:"sensor_drift,omitempty"`
	Status         string   `json:"status,omitempty"`
}

// Alert is a persisted notification of a threshold, anomaly or device condition.
type Alert struct {
	ID             string     `json:"id"`
	PondID         string     `json:"pond_id"`
	Parameter      string     `json:"parameter"`
	CurrentValue   float64    `json:"current_value"`
	ThresholdValue *float64   `json:"threshold_value"`
	Severity       Severity   `json:"severity"`
	Message        string     `json:"message"`
	ReadingID      string     `json:"sensor_reading_id,omitempty"`
	IsResolved     bool       `json:"is_resolved"`
	SMSSent        bool       `json:"sms_sent"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
}

// AnomalyParameter is the dedup bucket shared by every decision-function alert.
const AnomalyParameter = "anomaly"

// BatteryParameter is the dedup bucket for low-battery device alerts.
const BatteryParameter = "battery_level"

// AlertUpdate lists the fields an update may touch. Nil fields are left alone.
type AlertUpdate struct {
	IsResolved *bool
	ResolvedAt *time.Time
	ResolvedBy *string
	SMSSent    *bool

	// IfUnresolved restricts the update to alerts that are still open.
	IfUnresolved bool
}

// AlertStats summarizes alerts over a trailing window.
type AlertStats struct {
	TotalAlerts  int            `json:"total_alerts"`
	BySeverity   map[string]int `json:"by_severity"`
	ByParameter  map[string]int `json:"by_parameter"`
	ActiveAlerts int            `json:"active_alerts"`
	PeriodDays   float64        `json:"period_days"`
}

// NewAlertStats returns stats with every severity key present.
func NewAlertStats(window time.Duration) *AlertStats {
	bySeverity := make(map[string]int, len(Severities))
	for _, s := range Severities {
		bySeverity[string(s)] = 0
	}
	return &AlertStats{
		BySeverity:  bySeverity,
		ByParameter: make(map[string]int),
		PeriodDays:  window.Hours() / 24,
	}
}

// Add folds count alerts of the given severity/parameter into the totals.
func (s *AlertStats) Add(severity, parameter string, count int) {
	s.TotalAlerts += count
	s.BySeverity[severity] += count
	s.ByParameter[parameter] += count
}

// PondAnomalies counts anomalous readings for one pond.
type PondAnomalies struct {
	PondID        string    `json:"pond_id"`
	Count         int       `json:"count"`
	LatestAnomaly time.Time `json:"latest_anomaly"`
}

// ReadingStats summarizes stored readings and how many were flagged.
type ReadingStats struct {
	TotalReadings      int             `json:"total_readings"`
	AnomalyReadings    int             `json:"anomaly_readings"`
	AnomalyRatePercent float64         `json:"anomaly_rate_percent"`
	ModelTrained       bool            `json:"model_trained"`
	AnomaliesByPond    []PondAnomalies `json:"anomalies_by_pond"`
}

// ComputeRate sets AnomalyRatePercent, rounded to two decimals.
func (s *ReadingStats) ComputeRate() {
	if s.TotalReadings == 0 {
		s.AnomalyRatePercent = 0
		return
	}
	rate := float64(s.AnomalyReadings) / float64(s.TotalReadings) * 100
	s.AnomalyRatePercent = math.Round(rate*100) / 100
}
