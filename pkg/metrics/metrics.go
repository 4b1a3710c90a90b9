package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Producer side
	EventsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_events_enqueued_total",
		Help: "Total number of audit events accepted into the delivery queue",
	}, []string{"kind"})
	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_events_rejected_total",
		Help: "Total number of audit events rejected because required structural fields were missing",
	}, []string{"kind"})

	// Delivery outcome
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_events_delivered_total",
		Help: "Total number of audit events confirmed by the backend",
	})
	// Abandonment is the only data-loss path; alert on any increase.
	EventsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_events_abandoned_total",
		Help: "Total number of audit events abandoned after exhausting retries",
	}, []string{"kind"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "audit_relay_retries_scheduled_total",
		Help: "Total number of retry counter increments applied after failed flushes",
	})

	// Scheduler
	Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_flushes_total",
		Help: "Total number of flush attempts by trigger and outcome",
	}, []string{"trigger", "outcome"})
	FlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "audit_relay_flush_duration_seconds",
		Help:    "Duration of flush attempts that reached the transport",
		Buckets: prometheus.DefBuckets,
	})
	QueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "audit_relay_queue_length",
		Help: "Current number of audit events awaiting confirmed delivery",
	})

	// Durable mirror
	MirrorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_mirror_errors_total",
		Help: "Total number of durable mirror failures by operation (save, load, delete)",
	}, []string{"op"})
	MirrorRecoveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_mirror_recoveries_total",
		Help: "Startup recovery outcomes (restored, stale, empty, error)",
	}, []string{"outcome"})

	// Transports
	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_transport_errors_total",
		Help: "Total number of transport send failures by error classification",
	}, []string{"transport", "error_type"})
	TransportLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audit_relay_transport_latency_seconds",
		Help:    "Latency of successful transport sends",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"transport"})
	TransportConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_relay_transport_connected",
		Help: "Whether the last send over the transport succeeded (1) or failed (0)",
	}, []string{"transport"})
	KafkaBatchesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_kafka_batches_sent_total",
		Help: "Total number of batches written to Kafka",
	}, []string{"transport"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audit_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"transport"})
	CircuitBreakerRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_circuit_breaker_rejections_total",
		Help: "Total number of sends rejected because the circuit was open",
	}, []string{"transport"})

	// Ingest API
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_api_requests_total",
		Help: "Total number of ingest API requests by route and status code",
	}, []string{"route", "code"})
	APIRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "audit_relay_api_rate_limited_total",
		Help: "Total number of ingest API requests rejected by the rate limiter",
	}, []string{"route"})
)

func init() {
	prometheus.MustRegister(EventsEnqueued)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(EventsAbandoned)
	prometheus.MustRegister(RetriesScheduled)
	prometheus.MustRegister(Flushes)
	prometheus.MustRegister(FlushDuration)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(MirrorErrors)
	prometheus.MustRegister(MirrorRecoveries)
	prometheus.MustRegister(TransportErrors)
	prometheus.MustRegister(TransportLatency)
	prometheus.MustRegister(TransportConnected)
	prometheus.MustRegister(KafkaBatchesSent)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRejections)
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(APIRateLimited)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
