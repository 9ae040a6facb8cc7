package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"pond-gateway/internal/data"
)

// FeatureNames is the learned model's input layout: the eight parameters in
// canonical order followed by hour of day and day of week.
var FeatureNames = func() []string {
	names := make([]string, 0, len(data.AllParameters)+2)
	for _, p := range data.AllParameters {
		names = append(names, string(p))
	}
	return append(names, "hour", "day_of_week")
}()

// features builds the raw vector for r, substituting fill for missing parameters.
func features(r *data.Reading, fill []float64) []float64 {
	x := make([]float64, len(FeatureNames))
	for i, p := range data.AllParameters {
		if v := r.Parameters.Get(p); v != nil {
			x[i] = *v
		} else if i < len(fill) {
			x[i] = fill[i]
		}
	}
	ts := r.Timestamp.UTC()
	x[len(data.AllParameters)] = float64(ts.Hour())
	x[len(data.AllParameters)+1] = float64(ts.Weekday())
	return x
}

// Scaler standardizes each feature to zero mean and unit variance.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

func fitScaler(rows [][]float64) *Scaler {
	n := len(rows[0])
	s := &Scaler{Mean: make([]float64, n), Std: make([]float64, n)}
	col := make([]float64, len(rows))
	for j := 0; j < n; j++ {
		for i, r := range rows {
			col[i] = r[j]
		}
		s.Mean[j], s.Std[j] = stat.PopMeanStdDev(col, nil)
		if !(s.Std[j] >= 1e-9) {
			s.Std[j] = 1
		}
	}
	return s
}

func (s *Scaler) transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) || len(s.Std) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler expects %d features, got %d", ErrShapeMismatch, len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out, nil
}

// Classifier is a class-weighted logistic regression.
type Classifier struct {
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

const (
	classifierEpochs       = 400
	classifierLearningRate = 0.1
	classifierL2           = 1e-3
)

// fitClassifier runs batch gradient descent. Classes are weighted inversely
// to their frequency so a rare anomaly class is not drowned out.
func fitClassifier(ctx context.Context, rows [][]float64, labels []bool) (*Classifier, error) {
	var pos int
	for _, l := range labels {
		if l {
			pos++
		}
	}
	neg := len(labels) - pos
	if pos == 0 || neg == 0 {
		return nil, fmt.Errorf("fit classifier: need both classes, got %d positive %d negative", pos, neg)
	}
	n := float64(len(labels))
	wPos, wNeg := n/(2*float64(pos)), n/(2*float64(neg))

	c := &Classifier{Weights: make([]float64, len(rows[0]))}
	grad := make([]float64, len(c.Weights))
	for epoch := 0; epoch < classifierEpochs; epoch++ {
		if epoch%50 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for j := range grad {
			grad[j] = 0
		}
		gradBias := 0.0
		for i, x := range rows {
			y, w := 0.0, wNeg
			if labels[i] {
				y, w = 1.0, wPos
			}
			diff := w * (c.prob(x) - y)
			for j, v := range x {
				grad[j] += diff * v
			}
			gradBias += diff
		}
		for j := range c.Weights {
			c.Weights[j] -= classifierLearningRate * (grad[j]/n + classifierL2*c.Weights[j])
		}
		c.Bias -= classifierLearningRate * gradBias / n
	}
	return c, nil
}

func (c *Classifier) prob(x []float64) float64 {
	z := c.Bias
	for j, v := range x {
		z += c.Weights[j] * v
	}
	return 1 / (1 + math.Exp(-z))
}

// Probability returns P(anomaly | x).
func (c *Classifier) Probability(x []float64) (float64, error) {
	if len(x) != len(c.Weights) {
		return 0, fmt.Errorf("%w: classifier expects %d features, got %d", ErrShapeMismatch, len(c.Weights), len(x))
	}
	return c.prob(x), nil
}

// Model is a trained learned-strategy model. It is immutable once built and
// shared between concurrent decisions.
type Model struct {
	FeatureNames     []string    `json:"feature_names"`
	Fill             []float64   `json:"fill"`
	Scaler           *Scaler     `json:"scaler"`
	Classifier       *Classifier `json:"classifier,omitempty"`
	Forest           *Forest     `json:"forest"`
	OutlierThreshold float64     `json:"outlier_threshold"`
	Samples          int         `json:"samples"`
	AnomalyRatio     float64     `json:"anomaly_ratio"`
	TrainedAt        time.Time   `json:"trained_at"`
}

// validate rejects models that do not match the current feature layout.
func (m *Model) validate() error {
	want := len(FeatureNames)
	if len(m.FeatureNames) != want {
		return fmt.Errorf("%w: model has %d features, want %d", ErrShapeMismatch, len(m.FeatureNames), want)
	}
	for i, name := range m.FeatureNames {
		if name != FeatureNames[i] {
			return fmt.Errorf("%w: feature %d is %q, want %q", ErrShapeMismatch, i, name, FeatureNames[i])
		}
	}
	if m.Scaler == nil || len(m.Scaler.Mean) != want || len(m.Scaler.Std) != want {
		return fmt.Errorf("%w: scaler width", ErrShapeMismatch)
	}
	if len(m.Fill) != len(data.AllParameters) {
		return fmt.Errorf("%w: fill width %d", ErrShapeMismatch, len(m.Fill))
	}
	if m.Classifier != nil && len(m.Classifier.Weights) != want {
		return fmt.Errorf("%w: classifier width %d", ErrShapeMismatch, len(m.Classifier.Weights))
	}
	if m.Forest == nil || m.Forest.Features != want {
		return fmt.Errorf("%w: forest width", ErrShapeMismatch)
	}
	return m.Forest.validate()
}

// decide runs the learned strategy. The rule reasons are appended for
// explanation but do not set the flag.
func (m *Model) decide(r *data.Reading, rules RuleSet) (Decision, error) {
	x, err := m.Scaler.transform(features(r, m.Fill))
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{Method: MethodLearned}
	if m.Classifier != nil {
		p, err := m.Classifier.Probability(x)
		if err != nil {
			return Decision{}, err
		}
		if p >= 0.5 {
			dec.IsAnomaly = true
			dec.Reasons = append(dec.Reasons, fmt.Sprintf("ML model detected unusual pattern (p=%.2f)", p))
		}
		dec.Score = math.Max(dec.Score, p)
	}

	s, err := m.Forest.Score(x)
	if err != nil {
		return Decision{}, err
	}
	if s > m.OutlierThreshold {
		dec.IsAnomaly = true
		dec.Reasons = append(dec.Reasons, fmt.Sprintf("Outlier detection triggered (score=%.2f)", s))
		dec.Score = math.Max(dec.Score, m.outlierMagnitude(s))
	}

	if math.IsNaN(dec.Score) || math.IsInf(dec.Score, 0) {
		return Decision{}, fmt.Errorf("learned model produced non-finite score")
	}
	dec.Reasons = append(dec.Reasons, rules.Evaluate(r).Reasons...)
	return dec, nil
}

// outlierMagnitude maps a forest score above the threshold onto [0,1].
func (m *Model) outlierMagnitude(s float64) float64 {
	if m.OutlierThreshold >= 1 {
		return 1
	}
	v := (s - m.OutlierThreshold) / (1 - m.OutlierThreshold)
	return math.Max(0, math.Min(v, 1))
}
