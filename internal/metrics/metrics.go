package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_messages_received_total",
			Help: "Messages accepted from a transport",
		},
		[]string{"transport"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_messages_rejected_total",
			Help: "Messages dropped before persistence",
		},
		[]string{"reason"}, // malformed, missing_pond_id, unknown_topic, incomplete
	)

	ReadingsPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pond_readings_persisted_total",
			Help: "Readings written to the store",
		},
	)

	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pond_persist_failures_total",
			Help: "Readings lost to store errors",
		},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pond_pipeline_duration_seconds",
			Help:    "Time from receipt to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"state"},
	)

	// Decisions
	AnomaliesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_anomalies_detected_total",
			Help: "Readings flagged by the decision function",
		},
		[]string{"method"},
	)

	DecisionFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pond_decision_fallbacks_total",
			Help: "Learned-model failures answered by the rule-based strategy",
		},
	)

	ModelRetrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_model_retrains_total",
			Help: "Training runs by outcome",
		},
		[]string{"result"}, // learned, statistics, failed
	)

	// Alerts
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_alerts_created_total",
			Help: "Alerts persisted",
		},
		[]string{"severity"},
	)

	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pond_alerts_suppressed_total",
			Help: "Alert candidates suppressed by the cooldown",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pond_notifications_total",
			Help: "Sink deliveries by outcome",
		},
		[]string{"sink", "status"},
	)

	NotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pond_notifications_dropped_total",
			Help: "Alerts dropped because the dispatch queue was full",
		},
	)

	// Realtime
	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pond_websocket_clients",
			Help: "Connected dashboard clients",
		},
	)

	DevicesTracked = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pond_devices_tracked",
			Help: "Devices in the registry",
		},
	)
)
