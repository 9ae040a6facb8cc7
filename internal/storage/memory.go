// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pond-gateway/internal/data"
)

const defaultCapacity = 10000

// MemoryStore keeps the most recent readings in a bounded buffer and every
// alert in a map. Returned values are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	buffer   []*data.Reading
	byID     map[string]*data.Reading
	capacity int

	alerts map[string]*data.Alert
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryStore{
		buffer:   make([]*data.Reading, 0, min(capacity, 1024)),
		byID:     make(map[string]*data.Reading),
		capacity: capacity,
		alerts:   make(map[string]*data.Alert),
	}
}

func (s *MemoryStore) InsertReading(_ context.Context, r *data.Reading) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	stored := copyReading(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) >= s.capacity {
		// drop the oldest
		delete(s.byID, s.buffer[0].ID)
		s.buffer[0] = nil
		s.buffer = s.buffer[1:]
	}
	s.buffer = append(s.buffer, stored)
	s.byID[stored.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateReadingAnomaly(_ context.Context, id string, isAnomaly bool, score float64, reasons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if r.Decided() {
		return ErrAnomalyAlreadySet
	}
	r.IsAnomaly = isAnomaly
	r.AnomalyScore = data.Float(score)
	r.AnomalyReasons = append([]string(nil), reasons...)
	return nil
}

func (s *MemoryStore) ListReadings(_ context.Context, f ReadingFilter) ([]data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []data.Reading
	for i := len(s.buffer) - 1; i >= 0; i-- {
		r := s.buffer[i]
		if f.PondID != "" && r.PondID != f.PondID {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, *copyReading(r))
	}
	// buffer is in arrival order; callers expect newest sample first
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetReading(_ context.Context, id string) (*data.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReading(r), nil
}

func (s *MemoryStore) AggregateReadingStats(_ context.Context, topPonds int) (*data.ReadingStats, error) {
	s.mu.RLock()
	stats := &data.ReadingStats{TotalReadings: len(s.buffer)}
	byPond := make(map[string]*data.PondAnomalies)
	for _, r := range s.buffer {
		if !r.IsAnomaly {
			continue
		}
		stats.AnomalyReadings++
		p, ok := byPond[r.PondID]
		if !ok {
			p = &data.PondAnomalies{PondID: r.PondID}
			byPond[r.PondID] = p
		}
		p.Count++
		if r.Timestamp.After(p.LatestAnomaly) {
			p.LatestAnomaly = r.Timestamp
		}
	}
	s.mu.RUnlock()

	stats.AnomaliesByPond = make([]data.PondAnomalies, 0, len(byPond))
	for _, p := range byPond {
		stats.AnomaliesByPond = append(stats.AnomaliesByPond, *p)
	}
	sortPondAnomalies(stats.AnomaliesByPond)
	if topPonds > 0 && len(stats.AnomaliesByPond) > topPonds {
		stats.AnomaliesByPond = stats.AnomaliesByPond[:topPonds]
	}
	stats.ComputeRate()
	return stats, nil
}

func (s *MemoryStore) FindRecentAlert(_ context.Context, pondID, parameter string, since time.Time) (*data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *data.Alert
	for _, a := range s.alerts {
		if a.PondID != pondID || a.Parameter != parameter || a.IsResolved || a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return copyAlert(found), nil
}

func (s *MemoryStore) InsertAlert(_ context.Context, a *data.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = copyAlert(a)
	return nil
}

func (s *MemoryStore) GetAlert(_ context.Context, id string) (*data.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func (s *MemoryStore) UpdateAlert(_ context.Context, id string, u data.AlertUpdate) (bool, error) {
	if err := validUpdate(u); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok || (u.IfUnresolved && a.IsResolved) {
		return false, nil
	}
	if u.IsResolved != nil {
		a.IsResolved = *u.IsResolved
	}
	if u.ResolvedAt != nil {
		t := *u.ResolvedAt
		a.ResolvedAt = &t
	}
	if u.ResolvedBy != nil {
		a.ResolvedBy = *u.ResolvedBy
	}
	if u.SMSSent != nil {
		a.SMSSent = *u.SMSSent
	}
	return true, nil
}

func (s *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]data.Alert, error) {
	s.mu.RLock()
	var out []data.Alert
	for _, a := range s.alerts {
		if f.PondID != "" && a.PondID != f.PondID {
			continue
		}
		if f.Parameter != "" && a.Parameter != f.Parameter {
			continue
		}
		if f.OnlyOpen && a.IsResolved {
			continue
		}
		if !f.CreatedSince.IsZero() && a.CreatedAt.Before(f.CreatedSince) {
			continue
		}
		out = append(out, *copyAlert(a))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) AggregateAlertStats(_ context.Context, pondID string, since time.Time) (*data.AlertStats, error) {
	stats := data.NewAlertStats(0)

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if pondID != "" && a.PondID != pondID {
			continue
		}
		if !a.IsResolved {
			stats.ActiveAlerts++
		}
		if !a.CreatedAt.Before(since) {
			stats.Add(string(a.Severity), a.Parameter, 1)
		}
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyReading(r *data.Reading) *data.Reading {
	c := *r
	if r.AnomalyScore != nil {
		c.AnomalyScore = data.Float(*r.AnomalyScore)
	}
	c.AnomalyReasons = append([]string(nil), r.AnomalyReasons...)
	c.Parameters = data.Parameters{}
	r.Parameters.Each(func(name data.Parameter, v float64) { _ = c.Parameters.Set(name, data.Float(v)) })
	return &c
}

func copyAlert(a *data.Alert) *data.Alert {
	c := *a
	if a.ThresholdValue != nil {
		c.ThresholdValue = data.Float(*a.ThresholdValue)
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}
