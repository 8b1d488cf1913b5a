package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsAdmitted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_admitted_total", Help: "Webhook events accepted and enqueued"})
	DuplicateEvents  = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_events_duplicate_total", Help: "Deliveries rejected by the idempotency guard"})
	SignatureRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_signature_rejects_total", Help: "Deliveries rejected for a bad or stale signature"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_jobs_completed_total", Help: "Jobs whose effect handler succeeded"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_jobs_retried_total", Help: "Jobs rescheduled after a handler failure"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_jobs_dead_letter_total", Help: "Jobs moved to the DLQ after exhausting attempts"})
	DispatchThrottle = prometheus.NewCounter(prometheus.CounterOpts{Name: "webhook_dispatch_throttled_total", Help: "Dispatch attempts delayed by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "webhook_queue_depth", Help: "Jobs waiting in the ready queues"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "webhook_jobs_inflight", Help: "Jobs currently leased by workers"})

	ProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_duration_seconds",
		Help:    "Effect handler execution time per event type",
		Buckets: prometheus.DefBuckets,
	}, []string{"event_type"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsAdmitted,
			DuplicateEvents,
			SignatureRejects,
			JobsCompleted,
			JobsRetried,
			JobsDeadLettered,
			DispatchThrottle,
			QueueDepthGauge,
			InFlightGauge,
			ProcessingDuration,
		)
	})
	return promhttp.Handler()
}
