package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger service instrumentation. Services treat a nil
// *Metrics as disabled, so tests never touch the global registry.
type Metrics struct {
	LedgerOps        *prometheus.CounterVec // aggregate, op, outcome
	LedgerOpDuration *prometheus.HistogramVec

	WebhookEvents    *prometheus.CounterVec // status, result
	CheckoutDuration prometheus.Histogram

	SweepUnlocks *prometheus.CounterVec // aggregate
	SweepErrors  prometheus.Counter

	NotifyFailures *prometheus.CounterVec // event
}

// TimeLedgerOp starts a duration sample for one ledger operation. Call the
// returned func when the operation finishes.
func (m *Metrics) TimeLedgerOp(aggregate, op string) func() {
	if m == nil {
		return func() {}
	}
	t := prometheus.NewTimer(m.LedgerOpDuration.WithLabelValues(aggregate, op))
	return func() { t.ObserveDuration() }
}

// IncSweepUnlock counts one released lock for the given aggregate.
func (m *Metrics) IncSweepUnlock(aggregate string) {
	if m == nil {
		return
	}
	m.SweepUnlocks.WithLabelValues(aggregate).Inc()
}

// IncSweepError counts one failed sweeper step.
func (m *Metrics) IncSweepError() {
	if m == nil {
		return
	}
	m.SweepErrors.Inc()
}

var (
	once sync.Once
	m    *Metrics
)

// Get returns the process-wide metrics set, registering collectors on first use.
func Get() *Metrics {
	once.Do(func() {
		m = &Metrics{
			LedgerOps: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fitledger_ledger_operations_total",
				Help: "Ledger mutations by aggregate, operation and outcome.",
			}, []string{"aggregate", "op", "outcome"}),
			LedgerOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "fitledger_ledger_operation_seconds",
				Help:    "Ledger mutation duration.",
				Buckets: prometheus.DefBuckets,
			}, []string{"aggregate", "op"}),
			WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fitledger_webhook_events_total",
				Help: "Provider webhook deliveries by canonical status and processing result.",
			}, []string{"status", "result"}),
			CheckoutDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "fitledger_checkout_create_seconds",
				Help:    "End-to-end checkout creation duration, provider calls included.",
				Buckets: prometheus.DefBuckets,
			}),
			SweepUnlocks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fitledger_sweep_unlocks_total",
				Help: "Expired locks released by the sweeper, by aggregate.",
			}, []string{"aggregate"}),
			SweepErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "fitledger_sweep_errors_total",
				Help: "Sweeper iterations that failed.",
			}),
			NotifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "fitledger_notify_failures_total",
				Help: "Fire-and-forget notification publishes that failed, by event.",
			}, []string{"event"}),
		}
	})
	return m
}
