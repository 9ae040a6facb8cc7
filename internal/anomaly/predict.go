package anomaly

import (
	"context"
	"errors"
	"fmt"

	"pond-gateway/internal/data"
	"pond-gateway/internal/storage"
)

// ReadingUpdater is the part of the store a re-decision reads and writes.
type ReadingUpdater interface {
	GetReading(ctx context.Context, id string) (*data.Reading, error)
	UpdateReadingAnomaly(ctx context.Context, id string, isAnomaly bool, score float64, reasons []string) error
}

// Prediction is a fresh decision for a stored reading. Updated reports
// whether it was written back.
type Prediction struct {
	ReadingID string `json:"reading_id"`
	Decision
	Updated bool `json:"updated"`
}

// Predict runs the active strategy on a stored reading. The decision is
// persisted only when the reading has no decision yet and it flags something.
func (d *Detector) Predict(ctx context.Context, store ReadingUpdater, id string) (*Prediction, error) {
	r, err := store.GetReading(ctx, id)
	if err != nil {
		return nil, err
	}
	p := &Prediction{ReadingID: id, Decision: d.Decide(r)}
	if !p.IsAnomaly && p.Score <= 0 {
		return p, nil
	}
	err = store.UpdateReadingAnomaly(ctx, id, p.IsAnomaly, p.Score, p.Reasons)
	switch {
	case err == nil:
		p.Updated = true
	case errors.Is(err, storage.ErrAnomalyAlreadySet):
	default:
		return nil, fmt.Errorf("record prediction: %w", err)
	}
	return p, nil
}
