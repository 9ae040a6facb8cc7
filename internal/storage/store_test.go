package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pond-gateway/internal/data"
)

// every Store implementation must pass the same behaviour checks
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore(100))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLStore(context.Background(), "sqlite", ":memory:")
		require.NoError(t, err)
		defer s.Close()
		fn(t, s)
	})
}

var base = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func TestStore_Readings(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			r := &data.Reading{PondID: "p1", DeviceID: "esp32", Timestamp: base.Add(time.Duration(i) * time.Minute)}
			r.Parameters.PH = data.Float(7 + float64(i)/10)
			require.NoError(t, s.InsertReading(ctx, r))
			assert.NotEmpty(t, r.ID)
			assert.False(t, r.CreatedAt.IsZero())
		}
		other := &data.Reading{PondID: "p2", Timestamp: base}
		require.NoError(t, s.InsertReading(ctx, other))

		got, err := s.ListReadings(ctx, ReadingFilter{PondID: "p1"})
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].Timestamp.Equal(base.Add(2*time.Minute)), "newest first")
		require.NotNil(t, got[0].Parameters.PH)
		assert.InDelta(t, 7.2, *got[0].Parameters.PH, 1e-9)
		assert.Nil(t, got[0].Parameters.Temperature)
		assert.False(t, got[0].Decided())

		limited, err := s.ListReadings(ctx, ReadingFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		since, err := s.ListReadings(ctx, ReadingFilter{PondID: "p1", Since: base.Add(90 * time.Second)})
		require.NoError(t, err)
		assert.Len(t, since, 1)
	})
}

func TestStore_UpdateReadingAnomalyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := &data.Reading{PondID: "p1", Timestamp: base}
		require.NoError(t, s.InsertReading(ctx, r))

		require.NoError(t, s.UpdateReadingAnomaly(ctx, r.ID, true, 0.9, []string{"ph below normal: 5.50 < 6.5"}))
		err := s.UpdateReadingAnomaly(ctx, r.ID, false, 0.1, nil)
		assert.True(t, errors.Is(err, ErrAnomalyAlreadySet))
		assert.True(t, errors.Is(s.UpdateReadingAnomaly(ctx, "missing", true, 1, nil), ErrNotFound))

		got, err := s.ListReadings(ctx, ReadingFilter{PondID: "p1"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].IsAnomaly)
		require.NotNil(t, got[0].AnomalyScore)
		assert.Equal(t, 0.9, *got[0].AnomalyScore)
		assert.Equal(t, []string{"ph below normal: 5.50 < 6.5"}, got[0].AnomalyReasons)
	})
}

func TestStore_GetReading(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		r := &data.Reading{PondID: "p1", DeviceID: "esp32", Timestamp: base}
		r.Parameters.Temperature = data.Float(26.5)
		require.NoError(t, s.InsertReading(ctx, r))

		got, err := s.GetReading(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "p1", got.PondID)
		assert.True(t, got.Timestamp.Equal(base))
		require.NotNil(t, got.Parameters.Temperature)
		assert.Equal(t, 26.5, *got.Parameters.Temperature)

		_, err = s.GetReading(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_AggregateReadingStats(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		empty, err := s.AggregateReadingStats(ctx, 10)
		require.NoError(t, err)
		assert.Zero(t, empty.TotalReadings)
		assert.Zero(t, empty.AnomalyRatePercent)
		assert.Empty(t, empty.AnomaliesByPond)

		insert := func(pond string, at time.Time, anomalous bool) {
			r := &data.Reading{PondID: pond, Timestamp: at}
			require.NoError(t, s.InsertReading(ctx, r))
			if anomalous {
				require.NoError(t, s.UpdateReadingAnomaly(ctx, r.ID, true, 0.9, []string{"x"}))
			}
		}
		insert("p1", base, true)
		insert("p1", base.Add(time.Hour), true)
		insert("p1", base.Add(2*time.Hour), false)
		insert("p2", base.Add(30*time.Minute), true)
		insert("p3", base, false)
		insert("p3", base, false)

		stats, err := s.AggregateReadingStats(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 6, stats.TotalReadings)
		assert.Equal(t, 3, stats.AnomalyReadings)
		assert.Equal(t, 50.0, stats.AnomalyRatePercent)
		require.Len(t, stats.AnomaliesByPond, 2)
		assert.Equal(t, "p1", stats.AnomaliesByPond[0].PondID)
		assert.Equal(t, 2, stats.AnomaliesByPond[0].Count)
		assert.True(t, stats.AnomaliesByPond[0].LatestAnomaly.Equal(base.Add(time.Hour)))
		assert.Equal(t, "p2", stats.AnomaliesByPond[1].PondID)

		top, err := s.AggregateReadingStats(ctx, 1)
		require.NoError(t, err)
		require.Len(t, top.AnomaliesByPond, 1)
		assert.Equal(t, "p1", top.AnomaliesByPond[0].PondID)
	})
}

func TestStore_AlertsLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a := &data.Alert{
			PondID:         "p1",
			Parameter:      "dissolved_oxygen",
			CurrentValue:   2.5,
			ThresholdValue: data.Float(3),
			Severity:       data.SeverityCritical,
			Message:        "Dissolved Oxygen is below threshold: 2.5 (limit: 3)",
			CreatedAt:      base,
		}
		require.NoError(t, s.InsertAlert(ctx, a))
		require.NotEmpty(t, a.ID)

		found, err := s.FindRecentAlert(ctx, "p1", "dissolved_oxygen", base.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, a.ID, found.ID)
		assert.Equal(t, 3.0, *found.ThresholdValue)

		_, err = s.FindRecentAlert(ctx, "p1", "dissolved_oxygen", base.Add(time.Minute))
		assert.True(t, errors.Is(err, ErrNotFound), "outside the window")
		_, err = s.FindRecentAlert(ctx, "p1", "ph", base.Add(-time.Minute))
		assert.True(t, errors.Is(err, ErrNotFound), "other parameter")

		resolved, at, by := true, base.Add(time.Hour), "ops"
		ok, err := s.UpdateAlert(ctx, a.ID, data.AlertUpdate{IsResolved: &resolved, ResolvedAt: &at, ResolvedBy: &by, IfUnresolved: true})
		require.NoError(t, err)
		assert.True(t, ok)

		later := at.Add(time.Hour)
		ok, err = s.UpdateAlert(ctx, a.ID, data.AlertUpdate{IsResolved: &resolved, ResolvedAt: &later, IfUnresolved: true})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetAlert(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.IsResolved)
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, got.ResolvedAt.Equal(at))
		assert.Equal(t, "ops", got.ResolvedBy)

		_, err = s.FindRecentAlert(ctx, "p1", "dissolved_oxygen", base.Add(-time.Minute))
		assert.True(t, errors.Is(err, ErrNotFound), "resolved alerts do not match")

		sent := true
		ok, err = s.UpdateAlert(ctx, a.ID, data.AlertUpdate{SMSSent: &sent})
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.UpdateAlert(ctx, "missing", data.AlertUpdate{SMSSent: &sent})
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = s.UpdateAlert(ctx, a.ID, data.AlertUpdate{})
		assert.Error(t, err)

		_, err = s.GetAlert(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_ListAndAggregateAlerts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		insert := func(pond, param string, sev data.Severity, at time.Time, resolved bool) {
			require.NoError(t, s.InsertAlert(ctx, &data.Alert{
				PondID: pond, Parameter: param, Severity: sev, CurrentValue: 1, Message: "m",
				CreatedAt: at, IsResolved: resolved,
			}))
		}
		insert("p1", "ph", data.SeverityCritical, base, false)
		insert("p1", "ph", data.SeverityHigh, base.Add(time.Minute), true)
		insert("p1", "anomaly", data.SeverityMedium, base.Add(2*time.Minute), false)
		insert("p2", "ammonia", data.SeverityHigh, base, false)
		insert("p1", "ph", data.SeverityLow, base.Add(-30*24*time.Hour), false)

		open, err := s.ListAlerts(ctx, AlertFilter{PondID: "p1", OnlyOpen: true})
		require.NoError(t, err)
		require.Len(t, open, 3)
		assert.Equal(t, "anomaly", open[0].Parameter, "newest first")

		limited, err := s.ListAlerts(ctx, AlertFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		stats, err := s.AggregateAlertStats(ctx, "p1", base.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, stats.TotalAlerts)
		assert.Equal(t, map[string]int{"low": 0, "medium": 1, "high": 1, "critical": 1}, stats.BySeverity)
		assert.Equal(t, map[string]int{"ph": 2, "anomaly": 1}, stats.ByParameter)
		assert.Equal(t, 3, stats.ActiveAlerts)

		all, err := s.AggregateAlertStats(ctx, "", base.Add(-7*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 4, all.TotalAlerts)
		assert.Equal(t, 4, all.ActiveAlerts)
	})
}

func TestMemoryStore_EvictsOldest(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		r := &data.Reading{PondID: "p1", Timestamp: base.Add(time.Duration(i) * time.Second)}
		require.NoError(t, s.InsertReading(ctx, r))
		ids = append(ids, r.ID)
	}
	got, err := s.ListReadings(ctx, ReadingFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[2], got[0].ID)
	assert.True(t, errors.Is(s.UpdateReadingAnomaly(ctx, ids[0], true, 1, nil), ErrNotFound))
}
