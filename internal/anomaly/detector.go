// internal/anomaly/detector.go
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
	"pond-gateway/internal/metrics"
)

var (
	// ErrShapeMismatch is returned when a model does not fit the feature layout.
	ErrShapeMismatch = errors.New("model shape mismatch")
	// ErrNotTrained is returned when a learned model is required but absent.
	ErrNotTrained = errors.New("model not trained")
)

const (
	MethodRuleBased = "rule_based"
	MethodLearned   = "ml"
)

// Decision is the outcome of the decision function for one reading.
type Decision struct {
	IsAnomaly bool     `json:"is_anomaly"`
	Score     float64  `json:"anomaly_score"`
	Reasons   []string `json:"anomaly_reasons"`
	Method    string   `json:"method"`
}

// TrainResult summarizes a training run.
type TrainResult struct {
	Method            string     `json:"method"`
	Samples           int        `json:"samples"`
	AnomalyRatio      float64    `json:"anomaly_ratio"`
	ClassifierTrained bool       `json:"classifier_trained"`
	Features          []string   `json:"features,omitempty"`
	Statistics        Statistics `json:"statistics"`
}

// ModelInfo describes the detector's current state.
type ModelInfo struct {
	Method     string     `json:"method"`
	Trained    bool       `json:"trained"`
	TrainedAt  *time.Time `json:"trained_at,omitempty"`
	Samples    int        `json:"samples,omitempty"`
	Features   []string   `json:"features"`
	Statistics Statistics `json:"statistics,omitempty"`
}

// Detector decides whether readings are anomalous. It runs the learned model
// when one is loaded and the rule-based strategy otherwise; any failure in the
// learned path is answered by the rules.
type Detector struct {
	rules              RuleSet
	minTrainingSamples int
	trees              int
	sampleSize         int
	contamination      float64
	seed               int64
	logger             *zap.Logger

	model atomic.Pointer[Model]
	stats atomic.Pointer[Statistics]

	// serializes Train/Load/Save; Decide never takes it
	mu sync.Mutex
}

// NewDetector builds a rule-based detector from cfg. A learned model is only
// used after Train or Load.
func NewDetector(cfg config.AnomalyConfig, logger *zap.Logger) (*Detector, error) {
	rules, err := NewRuleSet(cfg.NormalRanges, cfg.CriticalRanges)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		rules:              rules,
		minTrainingSamples: cfg.MinTrainingSamples,
		trees:              cfg.Trees,
		sampleSize:         cfg.SampleSize,
		contamination:      cfg.Contamination,
		seed:               cfg.Seed,
		logger:             logger,
	}
	if d.minTrainingSamples <= 0 {
		d.minTrainingSamples = 50
	}
	if d.trees <= 0 {
		d.trees = 100
	}
	if d.contamination <= 0 || d.contamination >= 1 {
		d.contamination = 0.1
	}
	return d, nil
}

// Decide runs the active strategy. It never fails: learned-path errors and
// panics fall back to the rule-based result.
func (d *Detector) Decide(r *data.Reading) Decision {
	m := d.model.Load()
	if m == nil {
		return d.rules.Evaluate(r)
	}
	dec, err := d.decideLearned(m, r)
	if err != nil {
		metrics.DecisionFallbacks.Inc()
		d.logger.Warn("learned model failed, using rules", zap.String("pond_id", r.PondID), zap.Error(err))
		return d.rules.Evaluate(r)
	}
	return dec
}

func (d *Detector) decideLearned(m *Model, r *data.Reading) (dec Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("learned model panic: %v", rec)
		}
	}()
	return m.decide(r, d.rules)
}

// Train fits a new learned model. With fewer than the configured minimum of
// readings it only records descriptive statistics and the current strategy is
// kept. The new model replaces the old one only on success.
func (d *Detector) Train(ctx context.Context, readings []data.Reading) (*TrainResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := describe(readings)
	if len(readings) < d.minTrainingSamples {
		d.stats.Store(&stats)
		metrics.ModelRetrains.WithLabelValues("statistics").Inc()
		d.logger.Info("not enough readings for a learned model, statistics only",
			zap.Int("samples", len(readings)), zap.Int("required", d.minTrainingSamples))
		return &TrainResult{Method: MethodRuleBased, Samples: len(readings), Statistics: stats}, nil
	}

	m, err := d.fit(ctx, readings, stats)
	if err != nil {
		metrics.ModelRetrains.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("train: %w", err)
	}
	d.model.Store(m)
	d.stats.Store(&stats)
	metrics.ModelRetrains.WithLabelValues("learned").Inc()
	d.logger.Info("learned model trained",
		zap.Int("samples", m.Samples),
		zap.Float64("anomaly_ratio", m.AnomalyRatio),
		zap.Bool("classifier", m.Classifier != nil),
		zap.Float64("outlier_threshold", m.OutlierThreshold))

	return &TrainResult{
		Method:            MethodLearned,
		Samples:           m.Samples,
		AnomalyRatio:      m.AnomalyRatio,
		ClassifierTrained: m.Classifier != nil,
		Features:          m.FeatureNames,
		Statistics:        stats,
	}, nil
}

func (d *Detector) fit(ctx context.Context, readings []data.Reading, stats Statistics) (*Model, error) {
	fill := stats.fill()
	raw := make([][]float64, len(readings))
	labels := make([]bool, len(readings))
	anomalies := 0
	for i := range readings {
		r := &readings[i]
		raw[i] = features(r, fill)
		if r.Decided() {
			labels[i] = r.IsAnomaly
		} else {
			labels[i] = d.rules.Evaluate(r).IsAnomaly
		}
		if labels[i] {
			anomalies++
		}
	}

	scaler := fitScaler(raw)
	rows := make([][]float64, len(raw))
	for i, x := range raw {
		rows[i], _ = scaler.transform(x)
	}

	m := &Model{
		FeatureNames: append([]string(nil), FeatureNames...),
		Fill:         fill,
		Scaler:       scaler,
		Samples:      len(readings),
		AnomalyRatio: float64(anomalies) / float64(len(readings)),
		TrainedAt:    time.Now().UTC(),
	}

	if anomalies > 0 && anomalies < len(readings) {
		c, err := fitClassifier(ctx, rows, labels)
		if err != nil {
			return nil, err
		}
		m.Classifier = c
	}

	rng := rand.New(rand.NewSource(d.seed))
	forest, err := fitForest(ctx, rows, d.trees, d.sampleSize, rng)
	if err != nil {
		return nil, err
	}
	m.Forest = forest

	scores := make([]float64, len(rows))
	for i, x := range rows {
		if scores[i], err = forest.Score(x); err != nil {
			return nil, err
		}
	}
	m.OutlierThreshold = quantile(scores, 1-d.contamination)
	return m, nil
}

// quantile returns the q-th quantile of values, linearly interpolating the
// empirical distribution.
func quantile(values []float64, q float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}

// Reset drops the learned model; decisions become rule-based.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.model.Store(nil)
}

// Info reports the active strategy.
func (d *Detector) Info() ModelInfo {
	info := ModelInfo{Method: MethodRuleBased, Features: FeatureNames}
	if s := d.stats.Load(); s != nil {
		info.Statistics = *s
	}
	if m := d.model.Load(); m != nil {
		info.Method = MethodLearned
		info.Trained = true
		trainedAt := m.TrainedAt
		info.TrainedAt = &trainedAt
		info.Samples = m.Samples
	}
	return info
}

// modelFile is the on-disk format. Model is nil for statistics-only state.
type modelFile struct {
	Method     string     `json:"method"`
	SavedAt    time.Time  `json:"saved_at"`
	Model      *Model     `json:"model,omitempty"`
	Statistics Statistics `json:"statistics,omitempty"`
}

// Save writes the current state to path atomically.
func (d *Detector) Save(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f := modelFile{Method: MethodRuleBased, SavedAt: time.Now().UTC()}
	if m := d.model.Load(); m != nil {
		f.Method = MethodLearned
		f.Model = m
	}
	if s := d.stats.Load(); s != nil {
		f.Statistics = *s
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode model: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".model-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace model file: %w", err)
	}
	return nil
}

// Load replaces the current state with the file at path. The file is
// validated first; on any error the current state is kept. A statistics-only
// file updates the statistics and keeps the active model.
func (d *Detector) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model: %w", err)
	}
	var f modelFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}

	switch f.Method {
	case MethodLearned:
		if f.Model == nil {
			return fmt.Errorf("load model: %w", ErrNotTrained)
		}
		if err := f.Model.validate(); err != nil {
			return fmt.Errorf("load model: %w", err)
		}
	case MethodRuleBased:
		f.Model = nil
	default:
		return fmt.Errorf("load model: unknown method %q", f.Method)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// a statistics-only file never replaces a learned model; Reset does that
	if f.Model != nil {
		d.model.Store(f.Model)
	}
	if f.Statistics != nil {
		stats := f.Statistics
		d.stats.Store(&stats)
	}
	d.logger.Info("model loaded", zap.String("path", path), zap.String("method", f.Method))
	return nil
}
