package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake metrics
	IntakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_intake_payloads_total",
			Help: "Total number of payloads handed to intake",
		},
		[]string{"class", "status"},
	)

	IntakeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_intake_queue_depth",
			Help: "Writes queued but not yet persisted",
		},
	)

	ReadyNotificationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "courier_intake_ready_dropped_total",
			Help: "Ready notifications dropped because the scheduler channel was full",
		},
	)

	// Store metrics
	StoreWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "courier_store_write_duration_seconds",
			Help:    "Duration of durable payload writes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoredPayloads = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_store_payloads",
			Help: "Payloads present in the durable store after the last prune",
		},
	)

	PruneEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_prune_evictions_total",
			Help: "Payloads evicted to respect the storage ceiling",
		},
		[]string{"class"},
	)

	// Delivery metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_delivery_attempts_total",
			Help: "Delivery attempts by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_duration_seconds",
			Help:    "Duration of delivery attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	InFlightDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_delivery_in_flight",
			Help: "Delivery attempts currently outstanding",
		},
	)

	ConnectivityReachable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_connectivity_reachable",
			Help: "1 when the backend is considered reachable",
		},
	)

	// Retry queue metrics
	RetryQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_retry_queue_depth",
			Help: "Pending delivery requests awaiting replay",
		},
	)

	RetryReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_retry_replays_total",
			Help: "Replayed delivery requests by outcome",
		},
		[]string{"outcome"},
	)

	// Resurrection metrics
	Resurrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_resurrections_total",
			Help: "Orphaned payloads reconciled at startup",
		},
		[]string{"result"},
	)

	// Internal errors
	InternalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_internal_errors_total",
			Help: "Internal errors recorded by code",
		},
		[]string{"code"},
	)

	// Worker pool
	WorkerTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_worker_tasks_total",
			Help: "Worker pool tasks by priority and status",
		},
		[]string{"priority", "status"},
	)
)
