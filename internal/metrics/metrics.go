package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybox_ingest_messages_total",
			Help: "Sensor messages by final pipeline stage",
		},
		[]string{"stage"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybox_ingest_events_total",
			Help: "Persisted events by classification and verdict",
		},
		[]string{"class", "valid"},
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keybox_ingest_store_retries_total",
			Help: "Event writes retried after a storage error",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keybox_ingest_queue_depth",
			Help: "Messages waiting in the ingestion queue",
		},
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keybox_ingest_process_duration_seconds",
			Help:    "Time from dequeue to broadcast",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Broadcast
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keybox_broadcast_subscribers",
			Help: "Connected realtime viewers",
		},
	)

	BroadcastDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keybox_broadcast_dropped_total",
			Help: "Updates dropped for slow viewers",
		},
	)

	// Admin
	AdminLogins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keybox_admin_logins_total",
			Help: "Admin login attempts by outcome",
		},
		[]string{"outcome"},
	)

	AdminSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keybox_admin_sessions",
			Help: "Active admin sessions",
		},
	)
)
