// internal/alerting/alerter.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moby/locker"
	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
	"pond-gateway/internal/metrics"
	"pond-gateway/internal/storage"
)

const activeLimit = 100

// Candidate is an alert that has not yet passed deduplication.
type Candidate struct {
	PondID    string
	Parameter string
	Value     float64
	Threshold *float64
	Severity  data.Severity
	Message   string
	ReadingID string
}

// Alerter persists alert candidates, suppressing repeats of an unresolved
// alert for the same pond and parameter within the cooldown.
type Alerter struct {
	store       storage.Store
	cooldown    time.Duration
	statsWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time

	// per (pond, parameter) lock around the cooldown read-then-write
	locks *locker.Locker
}

func NewAlerter(store storage.Store, cfg config.AlertsConfig, logger *zap.Logger) *Alerter {
	window := cfg.StatsWindow
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &Alerter{
		store:       store,
		cooldown:    cfg.Cooldown,
		statsWindow: window,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       locker.New(),
	}
}

// Submit persists c unless an equivalent alert is still open within the
// cooldown. A suppressed candidate yields nil, nil.
func (a *Alerter) Submit(ctx context.Context, c Candidate) (*data.Alert, error) {
	key := c.PondID + "\x00" + c.Parameter
	a.locks.Lock(key)
	defer a.locks.Unlock(key)

	now := a.now()
	existing, err := a.store.FindRecentAlert(ctx, c.PondID, c.Parameter, now.Add(-a.cooldown))
	switch {
	case err == nil:
		metrics.AlertsSuppressed.Inc()
		a.logger.Debug("alert suppressed by cooldown",
			zap.String("pond_id", c.PondID),
			zap.String("parameter", c.Parameter),
			zap.String("existing_id", existing.ID))
		return nil, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("check cooldown: %w", err)
	}

	alert := &data.Alert{
		PondID:         c.PondID,
		Parameter:      c.Parameter,
		CurrentValue:   c.Value,
		ThresholdValue: c.Threshold,
		Severity:       c.Severity,
		Message:        c.Message,
		ReadingID:      c.ReadingID,
		CreatedAt:      now,
	}
	if err := a.store.InsertAlert(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}
	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	a.logger.Info("alert created",
		zap.String("id", alert.ID),
		zap.String("pond_id", alert.PondID),
		zap.String("parameter", alert.Parameter),
		zap.String("severity", string(alert.Severity)),
		zap.String("message", alert.Message))
	return alert, nil
}

// Resolve closes an open alert. It reports false for unknown or already
// resolved alerts, leaving them untouched.
func (a *Alerter) Resolve(ctx context.Context, id, resolvedBy string) (bool, error) {
	resolved, at := true, a.now()
	ok, err := a.store.UpdateAlert(ctx, id, data.AlertUpdate{
		IsResolved:   &resolved,
		ResolvedAt:   &at,
		ResolvedBy:   &resolvedBy,
		IfUnresolved: true,
	})
	if err != nil {
		return false, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	if ok {
		a.logger.Info("alert resolved", zap.String("id", id), zap.String("resolved_by", resolvedBy))
	}
	return ok, nil
}

// MarkSMSSent records a successful SMS delivery.
func (a *Alerter) MarkSMSSent(ctx context.Context, id string) error {
	sent := true
	if _, err := a.store.UpdateAlert(ctx, id, data.AlertUpdate{SMSSent: &sent}); err != nil {
		return fmt.Errorf("mark sms sent for %s: %w", id, err)
	}
	return nil
}

// Stats summarizes alerts over the trailing window; a non-positive window
// uses the configured default. An empty pondID covers every pond.
func (a *Alerter) Stats(ctx context.Context, pondID string, window time.Duration) (*data.AlertStats, error) {
	if window <= 0 {
		window = a.statsWindow
	}
	stats, err := a.store.AggregateAlertStats(ctx, pondID, a.now().Add(-window))
	if err != nil {
		return nil, err
	}
	stats.PeriodDays = window.Hours() / 24
	return stats, nil
}

// Active lists the newest unresolved alerts.
func (a *Alerter) Active(ctx context.Context, pondID string) ([]data.Alert, error) {
	return a.store.ListAlerts(ctx, storage.AlertFilter{PondID: pondID, OnlyOpen: true, Limit: activeLimit})
}

func (a *Alerter) Get(ctx context.Context, id string) (*data.Alert, error) {
	return a.store.GetAlert(ctx, id)
}
