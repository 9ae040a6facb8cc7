package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pond-gateway/internal/alerting"
	"pond-gateway/internal/anomaly"
	"pond-gateway/internal/api"
	"pond-gateway/internal/auth"
	"pond-gateway/internal/device"
	"pond-gateway/internal/ingest"
	"pond-gateway/internal/sms"
	"pond-gateway/internal/storage"
	"pond-gateway/internal/transport/mqtt"
	"pond-gateway/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func (a *app) serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, logger, err := a.setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer store.Close()

	thresholds, err := cfg.ThresholdSet()
	if err != nil {
		return err
	}

	detector, err := anomaly.NewDetector(cfg.Anomaly, logger.Named("anomaly"))
	if err != nil {
		return err
	}
	if path := cfg.Anomaly.ModelPath; path != "" {
		switch err := detector.Load(path); {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			logger.Info("no trained model yet, using rule-based detection", zap.String("path", path))
		default:
			logger.Warn("model not loaded, using rule-based detection", zap.String("path", path), zap.Error(err))
		}
	}

	hub := websocket.NewHub(logger.Named("websocket"), api.OriginChecker(cfg.Server.AllowedOrigins))
	alerter := alerting.NewAlerter(store, cfg.Alerts, logger.Named("alerting"))
	dispatcher := alerting.NewDispatcher(hub, sms.New(cfg.SMS, logger.Named("sms")), alerter, cfg.Notify, logger.Named("dispatch"))

	devices, err := device.NewRegistry(0)
	if err != nil {
		return err
	}

	pipeline := ingest.NewPipeline(ingest.Deps{
		Store:             store,
		Decider:           detector,
		Thresholds:        thresholds,
		Alerter:           alerter,
		Notifier:          dispatcher,
		Broadcast:         hub,
		Devices:           devices,
		Bands:             cfg.Anomaly.Bands,
		BatteryLowPercent: cfg.Alerts.BatteryLowPercent,
	}, logger.Named("pipeline"))
	pool := ingest.NewPool(pipeline, cfg.Ingest, logger.Named("ingest"))

	handler := api.NewAPIHandler(ctx, api.Services{
		Ingest:   pool,
		Store:    store,
		Alerter:  alerter,
		Detector: detector,
		Devices:  devices,
		Hub:      hub,
		Auth:     auth.NewManager(cfg.Auth),
		Anomaly:  cfg.Anomaly,
	}, logger.Named("api"))

	dataRouter, err := api.SetupDataRouter(handler, cfg.Server)
	if err != nil {
		return err
	}
	dataSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           dataRouter,
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(handler, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// both stop explicitly after the servers, pool first
	dispatcher.Start(context.WithoutCancel(ctx))
	pool.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	if cfg.Anomaly.WatchModel && cfg.Anomaly.ModelPath != "" {
		g.Go(func() error {
			if err := os.MkdirAll(filepath.Dir(cfg.Anomaly.ModelPath), 0o755); err != nil {
				logger.Warn("model watcher disabled", zap.Error(err))
				return nil
			}
			if err := detector.Watch(gctx, cfg.Anomaly.ModelPath); err != nil {
				logger.Warn("model watcher stopped", zap.Error(err))
			}
			return nil
		})
	}
	if cfg.MQTT.Enabled {
		sub := mqtt.NewSubscriber(cfg.MQTT, pool, logger.Named("mqtt"))
		g.Go(func() error { return sub.Run(gctx) })
	}
	for _, srv := range []*http.Server{dataSrv, uiSrv} {
		srv := srv
		g.Go(func() error {
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range []*http.Server{dataSrv, uiSrv} {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}
		return nil
	})

	err = g.Wait()

	pool.Stop()
	dispatcher.Stop()
	handler.WaitTraining()

	if err != nil {
		logger.Error("gateway stopped with error", zap.Error(err))
		return err
	}
	logger.Info("gateway stopped")
	return nil
}
