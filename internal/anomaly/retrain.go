package anomaly

import (
	"context"
	"fmt"

	"pond-gateway/internal/data"
	"pond-gateway/internal/storage"
)

// ReadingLister is the part of the store training reads from.
type ReadingLister interface {
	ListReadings(ctx context.Context, f storage.ReadingFilter) ([]data.Reading, error)
}

// Retrain trains on up to limit of the newest stored readings and, when path
// is set, persists the result there.
func (d *Detector) Retrain(ctx context.Context, src ReadingLister, limit int, path string) (*TrainResult, error) {
	readings, err := src.ListReadings(ctx, storage.ReadingFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("load training readings: %w", err)
	}
	res, err := d.Train(ctx, readings)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := d.Save(path); err != nil {
			return res, err
		}
	}
	return res, nil
}
