package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of requests waiting for admission.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debridgate_queue_depth",
		Help: "Current number of requests waiting for admission, per service",
	}, []string{"service"})

	// ActiveRequests tracks in-flight admitted calls.
	ActiveRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "debridgate_active_requests",
		Help: "Current number of in-flight provider calls, per service",
	}, []string{"service"})

	// AdmissionsTotal counts requests admitted from the queue.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debridgate_admissions_total",
		Help: "Total requests admitted for execution",
	}, []string{"service"})

	// RetriesTotal counts retry attempts scheduled after transient failures.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debridgate_retries_total",
		Help: "Total retries scheduled after 429/5xx responses",
	}, []string{"service"})

	// Decisions counts scheduling decisions by type.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "debridgate_scheduler_decisions_total",
		Help: "Total scheduling decisions made",
	}, []string{"service", "decision"})

	// QueueWait tracks how long requests sat queued before admission.
	QueueWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debridgate_queue_wait_seconds",
		Help:    "Admission wait time distribution, per service",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"service"})

	// RequestDuration tracks wrapped call execution time.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debridgate_request_duration_seconds",
		Help:    "Provider call execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"service", "outcome"})

	// WSClients tracks connected stats-stream websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "debridgate_ws_clients",
		Help: "Currently connected websocket stats clients",
	})
)
