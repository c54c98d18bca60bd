// Package metrics provides Prometheus metrics for the prescription service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsCreated  prometheus.Counter
	PrescriptionsConsumed prometheus.Counter
	PrescriptionsDeleted  prometheus.Counter
	CodeRetries           prometheus.Counter
	HTTPRequestDuration   *prometheus.HistogramVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	ConsumerLag           *prometheus.GaugeVec
	OutboxPending         prometheus.Gauge
	NotificationsSent     *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_consumed_total",
			Help: "Total prescriptions consumed by patients",
		}),
		PrescriptionsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_deleted_total",
			Help: "Total prescriptions soft-deleted",
		}),
		CodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_code_retries_total",
			Help: "Creation attempts retried after a duplicate code",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Records behind the end of the log per topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Prescription notifications by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsConsumed,
		m.PrescriptionsDeleted,
		m.CodeRetries,
		m.HTTPRequestDuration,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.ConsumerLag,
		m.OutboxPending,
		m.NotificationsSent,
		m.CircuitBreakerState,
	)

	return m
}

// Discard returns metrics registered on a private registry, for tests and
// tools that do not expose /metrics.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
