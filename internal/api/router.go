package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pond-gateway/internal/auth"
	"pond-gateway/internal/config"
)

const limiterCacheSize = 4096

func SetupDataRouter(h *APIHandler, cfg config.ServerConfig) (*chi.Mux, error) {
	limiter, err := newClientLimiter(cfg.IngestRate, cfg.IngestBurst)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.With(limiter.middleware, h.svc.Auth.APIKeyMiddleware).Post("/data", h.HandleDataIngest)
	return r, nil
}

func SetupUIRouter(h *APIHandler, cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.HandleWebSocket)
	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", h.HandleLogin)

		r.Get("/alerts", h.HandleActiveAlerts)
		r.Get("/alerts/stats", h.HandleAlertStats)
		r.Get("/alerts/{id}", h.HandleGetAlert)
		r.With(h.svc.Auth.JWTMiddleware).Post("/alerts/{id}/resolve", h.HandleResolveAlert)

		r.Get("/readings", h.HandleReadings)
		r.Get("/readings/{id}", h.HandleGetReading)
		r.Get("/readings/pond/{pondID}/latest", h.HandleLatestReading)
		r.Get("/devices", h.HandleDevices)
		r.Get("/devices/{id}", h.HandleDevice)

		r.Get("/ml/model", h.HandleModelInfo)
		r.Group(func(r chi.Router) {
			r.Use(h.svc.Auth.JWTMiddleware, auth.RequireRole(auth.RoleAdmin))
			r.Post("/ml/train", h.HandleTrain)
			r.Post("/ml/predict/{readingID}", h.HandlePredict)
			r.Get("/ml/stats", h.HandleMLStats)
		})
	})

	return corsOptions(cfg.AllowedOrigins).Handler(r)
}

// corsOptions allows credentials only for an explicit origin list; a
// wildcard would otherwise reflect any origin with cookies and tokens.
func corsOptions(allowed []string) *cors.Cors {
	credentials := true
	for _, o := range allowed {
		if o == "*" {
			credentials = false
			break
		}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: credentials,
	})
}

// OriginChecker accepts websocket upgrades from the configured origins.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// clientLimiter is a token bucket per client address; the least recently
// seen clients are forgotten.
type clientLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

func newClientLimiter(perSecond float64, burst int) (*clientLimiter, error) {
	buckets, err := lru.New[string, *rate.Limiter](limiterCacheSize)
	if err != nil {
		return nil, err
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{limit: limit, burst: burst, buckets: buckets}, nil
}

func (l *clientLimiter) get(key string) *rate.Limiter {
	if lim, ok := l.buckets.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	// PeekOrAdd keeps whichever bucket was stored first
	if prev, ok, _ := l.buckets.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		lim := l.get(host)
		if !lim.Allow() {
			retry := 1
			if l.limit > 0 && l.limit != rate.Inf {
				retry = int(1/float64(l.limit)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
