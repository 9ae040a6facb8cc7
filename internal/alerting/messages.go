package alerting

import (
	"fmt"
	"strings"

	"pond-gateway/internal/data"
	"pond-gateway/internal/threshold"
)

// ThresholdCandidate turns a violation into an alert candidate.
func ThresholdCandidate(pondID, readingID string, v threshold.Violation) Candidate {
	direction := "above"
	if v.Below() {
		direction = "below"
	}
	limit := v.Boundary
	return Candidate{
		PondID:    pondID,
		Parameter: string(v.Parameter),
		Value:     v.Value,
		Threshold: &limit,
		Severity:  v.Severity,
		Message:   fmt.Sprintf("%s is %s threshold: %g (limit: %g)", title(string(v.Parameter)), direction, v.Value, v.Boundary),
		ReadingID: readingID,
	}
}

// AnomalyCandidate builds the single decision-function alert for a reading.
func AnomalyCandidate(pondID, readingID string, score float64, reasons []string, bands data.ScoreBands) Candidate {
	return Candidate{
		PondID:    pondID,
		Parameter: data.AnomalyParameter,
		Value:     score,
		Severity:  bands.Severity(score),
		Message:   fmt.Sprintf("Anomaly detected with score %.2f. Reasons: %s", score, strings.Join(reasons, ", ")),
		ReadingID: readingID,
	}
}

// BatteryCandidate reports a device running low.
func BatteryCandidate(pondID, deviceID, readingID string, level, limit float64) Candidate {
	l := limit
	return Candidate{
		PondID:    pondID,
		Parameter: data.BatteryParameter,
		Value:     level,
		Threshold: &l,
		Severity:  data.SeverityMedium,
		Message:   fmt.Sprintf("Device %s battery low: %g%% (limit: %g%%)", deviceID, level, limit),
		ReadingID: readingID,
	}
}

// title renders dissolved_oxygen as "Dissolved Oxygen".
func title(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
