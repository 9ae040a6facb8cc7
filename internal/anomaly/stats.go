package anomaly

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"pond-gateway/internal/data"
)

// ParameterStats are descriptive statistics for one parameter.
type ParameterStats struct {
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// Statistics maps parameter name to its descriptive statistics over a training set.
type Statistics map[string]ParameterStats

func describe(readings []data.Reading) Statistics {
	values := make(map[string][]float64)
	for i := range readings {
		readings[i].Parameters.Each(func(name data.Parameter, v float64) {
			values[string(name)] = append(values[string(name)], v)
		})
	}
	stats := make(Statistics, len(values))
	for name, vs := range values {
		stats[name] = ParameterStats{
			Mean:  stat.Mean(vs, nil),
			Min:   floats.Min(vs),
			Max:   floats.Max(vs),
			Count: len(vs),
		}
	}
	return stats
}

// fill returns the per-parameter training means used for missing values.
// Parameters never seen in training fill with zero.
func (s Statistics) fill() []float64 {
	out := make([]float64, len(data.AllParameters))
	for i, p := range data.AllParameters {
		if ps, ok := s[string(p)]; ok {
			out[i] = ps.Mean
		}
	}
	return out
}
