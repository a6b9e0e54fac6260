package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidehook_events_published_total",
			Help: "Total number of events published.",
		},
		[]string{"schema"},
	)

	EventsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidehook_events_processed_total",
			Help: "Total number of events reaching a terminal state.",
		},
		[]string{"schema", "state"}, // processed | dead
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidehook_attempts_total",
			Help: "Total number of delivery attempts by status.",
		},
		[]string{"status"},
	)

	AttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidehook_attempt_failures_total",
			Help: "Total number of failed attempts by classification.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, timeout, dns_error, network
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidehook_retries_total",
			Help: "Total number of attempts scheduled for retry by reason.",
		},
		[]string{"reason"},
	)

	DeadEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tidehook_dead_events_total",
			Help: "Total number of events exhausted with no successful delivery.",
		},
	)

	AttemptLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidehook_attempt_latency_seconds",
			Help:    "HTTP delivery attempt latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	EndToEndLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidehook_end_to_end_latency_seconds",
			Help:    "Latency from event occurrence to terminal processing state.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 14),
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidehook_queue_depth",
			Help: "Pending stream entries per topic.",
		},
		[]string{"topic"},
	)

	InFlightAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidehook_inflight_attempts",
			Help: "Delivery attempts currently in flight.",
		},
	)

	EndpointHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidehook_endpoint_health",
			Help: "Endpoint health: 1 healthy, 0.5 degraded, 0 disabled.",
		},
		[]string{"endpoint"},
	)

	PoolAcquiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tidehook_http_pool_acquired_total",
			Help: "Total acquisitions of the delivery concurrency semaphore.",
		},
	)

	PoolExhaustedWaits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tidehook_http_pool_exhausted_waits_total",
			Help: "Acquisitions that had to wait because the pool was saturated.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		EventsProcessedTotal,
		AttemptsTotal,
		AttemptFailuresTotal,
		RetriesTotal,
		DeadEventsTotal,
		AttemptLatency,
		EndToEndLatency,
		QueueDepth,
		InFlightAttempts,
		EndpointHealth,
		PoolAcquiredTotal,
		PoolExhaustedWaits,
	)
}

// RecordEventPublished increments the published counter for a schema.
func RecordEventPublished(schema string) {
	EventsPublishedTotal.WithLabelValues(schema).Inc()
}

// RecordEventTerminal records an event reaching processed or dead, with its
// end-to-end latency.
func RecordEventTerminal(schema, state string, occurredAt time.Time) {
	EventsProcessedTotal.WithLabelValues(schema, state).Inc()
	if state == "dead" {
		DeadEventsTotal.Inc()
	}
	if !occurredAt.IsZero() {
		EndToEndLatency.Observe(time.Since(occurredAt).Seconds())
	}
}

// RecordAttempt records a completed delivery attempt.
func RecordAttempt(status string, latency time.Duration) {
	AttemptsTotal.WithLabelValues(status).Inc()
	AttemptLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordFailure records a failed attempt classification.
func RecordFailure(reason string) {
	AttemptFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordRetry records an attempt scheduled for retry.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// UpdateQueueDepth sets the pending depth gauge for a topic.
func UpdateQueueDepth(topic string, depth float64) {
	QueueDepth.WithLabelValues(topic).Set(depth)
}

// UpdateEndpointHealth sets the health gauge for an endpoint.
func UpdateEndpointHealth(endpointID string, health string) {
	v := 0.0
	switch health {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	EndpointHealth.WithLabelValues(endpointID).Set(v)
}
