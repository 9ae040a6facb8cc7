package data

import "fmt"

// Severity is the ordered alert classification: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every severity from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity validates a severity string.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(v)
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// ScoreBands are the cut points that map an anomaly score to a severity.
type ScoreBands struct {
	Critical float64 `mapstructure:"critical" json:"critical"`
	High     float64 `mapstructure:"high" json:"high"`
	Medium   float64 `mapstructure:"medium" json:"medium"`
}

// DefaultScoreBands returns the 0.8 / 0.6 / 0.4 banding.
func DefaultScoreBands() ScoreBands {
	return ScoreBands{Critical: 0.8, High: 0.6, Medium: 0.4}
}

// Severity maps an anomaly score to its band.
func (b ScoreBands) Severity(score float64) Severity {
	switch {
	case score >= b.Critical:
		return SeverityCritical
	case score >= b.High:
		return SeverityHigh
	case score >= b.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
