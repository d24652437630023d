// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chainpay-engine/internal/domain"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Lifecycle metrics
	OrdersCreated        prometheus.Counter
	OrderTransitions     *prometheus.CounterVec
	ChainEventsApplied   *prometheus.CounterVec
	ChainEventsDuplicate prometheus.Counter
	ChainEventsRetracted prometheus.Counter
	ReorgAnomalies       prometheus.Counter
	ActiveOrders         prometheus.Gauge

	// Wallet metrics
	AddressesDerived *prometheus.CounterVec

	// Observer metrics
	ObservedHeight *prometheus.GaugeVec
	ObserverUp     *prometheus.GaugeVec

	// Dispatch metrics
	NotificationsEnqueued *prometheus.CounterVec
	WebhookAttempts       *prometheus.CounterVec
	WebhookLatency        prometheus.Histogram
	NotificationsDead     prometheus.Counter
	Redeliveries          prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	UptimeSeconds prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "chainpay"
	}

	return &Metrics{
		// Lifecycle metrics
		OrdersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "orders_created_total",
			Help:      "Total number of payment orders created",
		}),
		OrderTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "order_transitions_total",
			Help:      "Total number of order state transitions by target state and reason",
		}, []string{"to_state", "reason"}),
		ChainEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "chain_events_applied_total",
			Help:      "Total number of chain events applied by currency",
		}, []string{"currency"}),
		ChainEventsDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "chain_events_duplicate_total",
			Help:      "Total number of chain events dropped as replays",
		}),
		ChainEventsRetracted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "chain_events_retracted_total",
			Help:      "Total number of chain events retracted by reorgs",
		}),
		ReorgAnomalies: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "reorg_anomalies_total",
			Help:      "Total number of reorgs retracting funds of already-confirmed orders",
		}),
		ActiveOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "active_orders",
			Help:      "Current number of orders in non-terminal states",
		}),

		// Wallet metrics
		AddressesDerived: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "addresses_derived_total",
			Help:      "Total number of receiving addresses derived by currency",
		}, []string{"currency"}),

		// Observer metrics
		ObservedHeight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "observed_height",
			Help:      "Highest block height observed by currency",
		}, []string{"currency"}),
		ObserverUp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "observer",
			Name:      "up",
			Help:      "Observer health by currency (1 healthy, 0 degraded)",
		}, []string{"currency"}),

		// Dispatch metrics
		NotificationsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notifications_enqueued_total",
			Help:      "Total number of notifications enqueued by event type",
		}, []string{"event_type"}),
		WebhookAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "webhook_attempts_total",
			Help:      "Total number of webhook delivery attempts by outcome",
		}, []string{"outcome"}),
		WebhookLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "webhook_latency_seconds",
			Help:      "Webhook POST latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		NotificationsDead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "notifications_dead_total",
			Help:      "Total number of notifications dead-lettered after exhausting retries",
		}),
		Redeliveries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "redeliveries_total",
			Help:      "Total number of dead notifications resurrected by operators",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordOrderCreated increments the orders created counter.
func RecordOrderCreated() {
	DefaultMetrics.OrdersCreated.Inc()
}

// RecordTransition records an order state transition.
func RecordTransition(toState domain.OrderState, reason string) {
	DefaultMetrics.OrderTransitions.WithLabelValues(toState.String(), reason).Inc()
}

// RecordEventApplied increments the applied chain events counter.
func RecordEventApplied(currency domain.Currency) {
	DefaultMetrics.ChainEventsApplied.WithLabelValues(currency.String()).Inc()
}

// RecordEventDuplicate increments the replayed chain events counter.
func RecordEventDuplicate() {
	DefaultMetrics.ChainEventsDuplicate.Inc()
}

// RecordEventRetracted increments the retracted chain events counter.
func RecordEventRetracted() {
	DefaultMetrics.ChainEventsRetracted.Inc()
}

// RecordReorgAnomaly increments the post-confirmation reorg counter.
func RecordReorgAnomaly() {
	DefaultMetrics.ReorgAnomalies.Inc()
}

// SetActiveOrders updates the active orders gauge.
func SetActiveOrders(n int) {
	DefaultMetrics.ActiveOrders.Set(float64(n))
}

// RecordAddressDerived increments the derived addresses counter.
func RecordAddressDerived(currency domain.Currency) {
	DefaultMetrics.AddressesDerived.WithLabelValues(currency.String()).Inc()
}

// SetObservedHeight updates the observed height gauge for a currency.
func SetObservedHeight(currency domain.Currency, height int64) {
	DefaultMetrics.ObservedHeight.WithLabelValues(currency.String()).Set(float64(height))
}

// SetObserverUp updates the observer health gauge for a currency.
func SetObserverUp(currency domain.Currency, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	DefaultMetrics.ObserverUp.WithLabelValues(currency.String()).Set(v)
}

// RecordNotificationEnqueued increments the enqueued notifications counter.
func RecordNotificationEnqueued(eventType string) {
	DefaultMetrics.NotificationsEnqueued.WithLabelValues(eventType).Inc()
}

// RecordWebhookAttempt records a delivery attempt outcome and latency.
func RecordWebhookAttempt(outcome string, seconds float64) {
	DefaultMetrics.WebhookAttempts.WithLabelValues(outcome).Inc()
	DefaultMetrics.WebhookLatency.Observe(seconds)
}

// RecordNotificationDead increments the dead-letter counter.
func RecordNotificationDead() {
	DefaultMetrics.NotificationsDead.Inc()
}

// RecordRedelivery increments the operator redelivery counter.
func RecordRedelivery() {
	DefaultMetrics.Redeliveries.Inc()
}

// AddUptime advances the uptime counter.
func AddUptime(seconds float64) {
	DefaultMetrics.UptimeSeconds.Add(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
