// Package threshold checks readings against static per-parameter limits.
package threshold

import (
	"pond-gateway/internal/data"
)

// Band holds the soft and critical limits for one parameter. A nil bound is
// unbounded on that side.
type Band struct {
	Min         *float64 `mapstructure:"min" json:"min,omitempty"`
	Max         *float64 `mapstructure:"max" json:"max,omitempty"`
	CriticalMin *float64 `mapstructure:"critical_min" json:"critical_min,omitempty"`
	CriticalMax *float64 `mapstructure:"critical_max" json:"critical_max,omitempty"`
}

// Set maps parameters to their limits.
type Set map[data.Parameter]Band

// Violation is one parameter outside its band.
type Violation struct {
	Parameter data.Parameter
	Value     float64
	Severity  data.Severity
	// Boundary is the bound that was crossed.
	Boundary float64
}

// Below reports whether the value fell under the boundary (as opposed to over it).
func (v Violation) Below() bool {
	return v.Value < v.Boundary
}

// Evaluate returns at most one violation per parameter, in canonical order.
// Critical bounds are checked first and win over soft bounds.
func Evaluate(reading *data.Reading, set Set) []Violation {
	var out []Violation
	reading.Parameters.Each(func(name data.Parameter, value float64) {
		band, ok := set[name]
		if !ok {
			return
		}
		if b, crossed := band.crossedCritical(value); crossed {
			out = append(out, Violation{Parameter: name, Value: value, Severity: data.SeverityCritical, Boundary: b})
			return
		}
		if b, crossed := band.crossedSoft(value); crossed {
			out = append(out, Violation{Parameter: name, Value: value, Severity: data.SeverityHigh, Boundary: b})
		}
	})
	return out
}

func (b Band) crossedCritical(v float64) (float64, bool) {
	return crossed(v, b.CriticalMin, b.CriticalMax)
}

func (b Band) crossedSoft(v float64) (float64, bool) {
	return crossed(v, b.Min, b.Max)
}

func crossed(v float64, lo, hi *float64) (float64, bool) {
	if lo != nil && v < *lo {
		return *lo, true
	}
	if hi != nil && v > *hi {
		return *hi, true
	}
	return 0, false
}

// Defaults returns the stock pond limits.
func Defaults() Set {
	f := data.Float
	return Set{
		data.PH:              {Min: f(6.5), Max: f(8.5), CriticalMin: f(6.0), CriticalMax: f(9.0)},
		data.Temperature:     {Min: f(20), Max: f(30), CriticalMin: f(15), CriticalMax: f(35)},
		data.DissolvedOxygen: {Min: f(5), Max: f(15), CriticalMin: f(3), CriticalMax: f(20)},
		data.Turbidity:       {Max: f(10), CriticalMax: f(20)},
		data.Nitrate:         {Max: f(40), CriticalMax: f(80)},
		data.Nitrite:         {Max: f(0.5), CriticalMax: f(1.0)},
		data.Ammonia:         {Max: f(0.5), CriticalMax: f(1.0)},
		data.WaterLevel:      {Min: f(0.5), Max: f(3.0), CriticalMin: f(0.2), CriticalMax: f(4.0)},
	}
}
