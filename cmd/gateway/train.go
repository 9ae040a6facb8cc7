package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pond-gateway/internal/anomaly"
	"pond-gateway/internal/storage"
)

// trainCommand retrains out of band; a running gateway picks the new model
// file up through its watcher.
func (a *app) trainCommand() *cobra.Command {
	var (
		output string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the anomaly model from stored readings and write the model file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.train(cmd.Context(), output, limit)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "model file to write (default anomaly.model_path)")
	cmd.Flags().IntVar(&limit, "limit", 0, "newest readings to train on (default anomaly.training_limit)")
	return cmd
}

func (a *app) train(ctx context.Context, output string, limit int) error {
	cfg, logger, err := a.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	if output == "" {
		output = cfg.Anomaly.ModelPath
	}
	if limit <= 0 {
		limit = cfg.Anomaly.TrainingLimit
	}

	store, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	detector, err := anomaly.NewDetector(cfg.Anomaly, logger.Named("anomaly"))
	if err != nil {
		return err
	}
	res, err := detector.Retrain(ctx, store, limit, output)
	if err != nil {
		return err
	}
	logger.Info("model written", zap.String("path", output), zap.String("method", res.Method), zap.Int("samples", res.Samples))

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
