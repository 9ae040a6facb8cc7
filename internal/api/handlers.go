package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"pond-gateway/internal/alerting"
	"pond-gateway/internal/anomaly"
	"pond-gateway/internal/auth"
	"pond-gateway/internal/config"
	"pond-gateway/internal/data"
	"pond-gateway/internal/device"
	"pond-gateway/internal/ingest"
	"pond-gateway/internal/storage"
	"pond-gateway/internal/websocket"
)

const (
	maxBodyBytes        = 1 << 20
	defaultReadingLimit = 100
	maxReadingLimit     = 1000
	trainTimeout        = 10 * time.Minute
	maxStatsDays        = 3650
	topAnomalyPonds     = 10
)

// Ingester is the shared ingestion entry point.
type Ingester interface {
	OnMessage(ctx context.Context, msg ingest.Message) error
}

// Services are the collaborators behind the HTTP surface.
type Services struct {
	Ingest   Ingester
	Store    storage.Store
	Alerter  *alerting.Alerter
	Detector *anomaly.Detector
	Devices  *device.Registry
	Hub      *websocket.Hub
	Auth     *auth.Manager
	Anomaly  config.AnomalyConfig
}

type APIHandler struct {
	svc    Services
	logger *zap.Logger

	// ctx bounds background training; cancelled on shutdown
	ctx      context.Context
	training atomic.Bool
	trainWG  sync.WaitGroup
}

func NewAPIHandler(ctx context.Context, svc Services, logger *zap.Logger) *APIHandler {
	return &APIHandler{svc: svc, logger: logger, ctx: ctx}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HandleDataIngest accepts one JSON sensor payload and queues it for the pipeline.
func (h *APIHandler) HandleDataIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body is not valid JSON")
		return
	}
	msg := ingest.Message{Topic: r.URL.Query().Get("topic"), Payload: body, Transport: "http"}
	if err := h.svc.Ingest.OnMessage(r.Context(), msg); err != nil {
		h.logger.Warn("http ingest not queued", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ingestion unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

// HandleActiveAlerts lists unresolved alerts, optionally for one pond and at
// or above ?min_severity=.
func (h *APIHandler) HandleActiveAlerts(w http.ResponseWriter, r *http.Request) {
	var floor data.Severity
	if raw := r.URL.Query().Get("min_severity"); raw != "" {
		sev, err := data.ParseSeverity(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		floor = sev
	}
	alerts, err := h.svc.Alerter.Active(r.Context(), r.URL.Query().Get("pond_id"))
	if err != nil {
		h.internalError(w, "list alerts", err)
		return
	}
	if floor != "" {
		kept := alerts[:0]
		for _, a := range alerts {
			if a.Severity.AtLeast(floor) {
				kept = append(kept, a)
			}
		}
		alerts = kept
	}
	if alerts == nil {
		alerts = []data.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// HandleAlertStats summarizes alerts over ?days= (default from config).
func (h *APIHandler) HandleAlertStats(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.ParseFloat(raw, 64)
		if err != nil || days <= 0 || days > maxStatsDays {
			writeError(w, http.StatusBadRequest, "days must be a positive number up to "+strconv.Itoa(maxStatsDays))
			return
		}
		window = time.Duration(days * float64(24*time.Hour))
	}
	stats, err := h.svc.Alerter.Stats(r.Context(), r.URL.Query().Get("pond_id"), window)
	if err != nil {
		h.internalError(w, "alert stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) HandleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.svc.Alerter.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	if err != nil {
		h.internalError(w, "get alert", err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// HandleResolveAlert resolves an alert on behalf of the token's user.
func (h *APIHandler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	by := "unknown"
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		by = claims.Username
	}
	resolved, err := h.svc.Alerter.Resolve(r.Context(), id, by)
	if err != nil {
		h.internalError(w, "resolve alert", err)
		return
	}
	if resolved {
		writeJSON(w, http.StatusOK, map[string]interface{}{"resolved": true, "resolved_by": by})
		return
	}
	if _, err := h.svc.Alerter.Get(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeError(w, http.StatusConflict, "alert already resolved")
}

// HandleReadings lists the newest readings, optionally for one pond.
func (h *APIHandler) HandleReadings(w http.ResponseWriter, r *http.Request) {
	limit := defaultReadingLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxReadingLimit)
	}
	readings, err := h.svc.Store.ListReadings(r.Context(), storage.ReadingFilter{
		PondID: r.URL.Query().Get("pond_id"),
		Limit:  limit,
	})
	if err != nil {
		h.internalError(w, "list readings", err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *APIHandler) HandleGetReading(w http.ResponseWriter, r *http.Request) {
	reading, err := h.svc.Store.GetReading(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reading not found")
		return
	}
	if err != nil {
		h.internalError(w, "get reading", err)
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

// HandleLatestReading returns the newest reading of one pond.
func (h *APIHandler) HandleLatestReading(w http.ResponseWriter, r *http.Request) {
	readings, err := h.svc.Store.ListReadings(r.Context(), storage.ReadingFilter{
		PondID: chi.URLParam(r, "pondID"),
		Limit:  1,
	})
	if err != nil {
		h.internalError(w, "latest reading", err)
		return
	}
	if len(readings) == 0 {
		writeError(w, http.StatusNotFound, "no readings found for this pond")
		return
	}
	writeJSON(w, http.StatusOK, readings[0])
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Role        string `json:"role"`
}

func (h *APIHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid login request")
		return
	}
	role, err := h.svc.Auth.AuthenticateUser(req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := h.svc.Auth.GenerateJWT(req.Username, role)
	if err != nil {
		h.internalError(w, "issue token", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "bearer", Role: role})
}

// HandleTrain starts a background retrain from stored readings.
func (h *APIHandler) HandleTrain(w http.ResponseWriter, r *http.Request) {
	if !h.training.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "training already running")
		return
	}
	h.trainWG.Add(1)
	go func() {
		defer h.trainWG.Done()
		defer h.training.Store(false)
		ctx, cancel := context.WithTimeout(h.ctx, trainTimeout)
		defer cancel()

		res, err := h.svc.Detector.Retrain(ctx, h.svc.Store, h.svc.Anomaly.TrainingLimit, h.svc.Anomaly.ModelPath)
		if err != nil {
			h.logger.Error("background training failed", zap.Error(err))
			return
		}
		h.logger.Info("background training finished",
			zap.String("method", res.Method), zap.Int("samples", res.Samples))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "training_started"})
}

// WaitTraining blocks until a background training run, if any, finishes.
func (h *APIHandler) WaitTraining() {
	h.trainWG.Wait()
}

// HandlePredict re-runs the decision function on a stored reading.
func (h *APIHandler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Detector.Predict(r.Context(), h.svc.Store, chi.URLParam(r, "readingID"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "reading not found")
		return
	}
	if err != nil {
		h.internalError(w, "predict", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleMLStats reports how many stored readings were flagged, per pond.
func (h *APIHandler) HandleMLStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Store.AggregateReadingStats(r.Context(), topAnomalyPonds)
	if err != nil {
		h.internalError(w, "reading stats", err)
		return
	}
	stats.ModelTrained = h.svc.Detector.Info().Trained
	writeJSON(w, http.StatusOK, stats)
}

func (h *APIHandler) HandleModelInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Detector.Info())
}

func (h *APIHandler) HandleDevices(w http.ResponseWriter, _ *http.Request) {
	if h.svc.Devices == nil {
		writeJSON(w, http.StatusOK, []device.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Devices.List())
}

func (h *APIHandler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	if h.svc.Devices != nil {
		if st, ok := h.svc.Devices.Get(chi.URLParam(r, "id")); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeError(w, http.StatusNotFound, "device not found")
}

func (h *APIHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket attaches a dashboard client to the hub.
func (h *APIHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.svc.Hub.ServeWS(w, r)
}

func (h *APIHandler) internalError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
