package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
)

var (
	// ErrNotFound is returned when a reading or alert id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAnomalyAlreadySet is returned when a reading's anomaly fields were already written.
	ErrAnomalyAlreadySet = errors.New("anomaly fields already set")
)

// ReadingFilter selects readings, newest first. Zero fields do not filter.
type ReadingFilter struct {
	PondID string
	Since  time.Time
	Limit  int
}

// AlertFilter selects alerts, newest first. Zero fields do not filter.
type AlertFilter struct {
	PondID       string
	Parameter    string
	OnlyOpen     bool
	CreatedSince time.Time
	Limit        int
}

// Store persists readings and alerts. Implementations are goroutine-safe.
type Store interface {
	// InsertReading assigns ID and CreatedAt when empty.
	InsertReading(ctx context.Context, r *data.Reading) error
	// UpdateReadingAnomaly writes the decision fields once.
	UpdateReadingAnomaly(ctx context.Context, id string, isAnomaly bool, score float64, reasons []string) error
	ListReadings(ctx context.Context, f ReadingFilter) ([]data.Reading, error)
	GetReading(ctx context.Context, id string) (*data.Reading, error)
	// AggregateReadingStats counts all readings and anomalous ones, with the
	// topPonds ponds that have the most anomalies.
	AggregateReadingStats(ctx context.Context, topPonds int) (*data.ReadingStats, error)

	// FindRecentAlert returns the newest unresolved alert for the pair created
	// at or after since, or ErrNotFound.
	FindRecentAlert(ctx context.Context, pondID, parameter string, since time.Time) (*data.Alert, error)
	InsertAlert(ctx context.Context, a *data.Alert) error
	GetAlert(ctx context.Context, id string) (*data.Alert, error)
	// UpdateAlert applies u and reports whether a row changed.
	UpdateAlert(ctx context.Context, id string, u data.AlertUpdate) (bool, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]data.Alert, error)
	// AggregateAlertStats counts alerts created since by severity and
	// parameter, plus all currently unresolved alerts.
	AggregateAlertStats(ctx context.Context, pondID string, since time.Time) (*data.AlertStats, error)

	Close() error
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(cfg.MemoryCapacity), nil
	case "sqlite", "postgres":
		s, err := NewSQLStore(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info("storage opened", zap.String("driver", cfg.Driver))
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

func validUpdate(u data.AlertUpdate) error {
	if u.IsResolved == nil && u.ResolvedAt == nil && u.ResolvedBy == nil && u.SMSSent == nil {
		return errors.New("empty alert update")
	}
	return nil
}

// sortPondAnomalies orders by count, most first, then by pond id.
func sortPondAnomalies(ps []data.PondAnomalies) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Count != ps[j].Count {
			return ps[i].Count > ps[j].Count
		}
		return ps[i].PondID < ps[j].PondID
	})
}
