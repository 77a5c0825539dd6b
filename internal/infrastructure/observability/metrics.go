package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Счётчик вызовов методов репозитория
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	// Гистограмма времени выполнения запросов
	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transaction_transitions_total",
			Help: "Transaction lifecycle events by outcome",
		},
		[]string{"event", "result"},
	)

	PaymentOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_operations_total",
			Help: "Payment processor calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	AccessDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_gate_decisions_total",
			Help: "Access gate outcomes by reason",
		},
		[]string{"reason"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_events_published_total",
			Help: "Lifecycle events handed to Kafka by topic and result",
		},
		[]string{"topic", "result"},
	)

	SettlementsSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_sweep_total",
			Help: "Transactions the settlement sweep retried by result",
		},
		[]string{"result"},
	)

	AccessCheckFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "access_check_failures_total",
			Help: "Subscription access checks that failed and were let through",
		},
	)
)

// InitMetrics registers the collectors with reg.
func InitMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		RepositoryCalls,
		RepositoryDuration,
		TransitionsTotal,
		PaymentOperations,
		AccessDecisions,
		AccessCheckFailures,
		EventsPublished,
		SettlementsSwept,
	)
}
