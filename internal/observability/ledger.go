package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// LedgerMetrics implements ledger.Metrics.
type LedgerMetrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	consistency *prometheus.CounterVec
}

// NewLedgerMetrics registers the ledger collectors. A nil registerer falls
// back to the Prometheus default.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Ledger mutations by operation and outcome.",
	}, []string{"op", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_duration_seconds",
		Help:    "Time spent in ledger mutations, locks included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
	consistency := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_consistency_errors_total",
		Help: "Multi-step adjustments that could not complete every step.",
	}, []string{"op"})
	registerer.MustRegister(operations, duration, consistency)
	return &LedgerMetrics{operations: operations, duration: duration, consistency: consistency}
}

// ObserveOperation records the outcome and latency of one mutation.
func (m *LedgerMetrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome(err)).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ConsistencyFailure counts an escalated consistency failure.
func (m *LedgerMetrics) ConsistencyFailure(op string) {
	if m == nil {
		return
	}
	m.consistency.WithLabelValues(op).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrConsistency):
		return "consistency"
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInactiveTarget), errors.Is(err, ledger.ErrAlreadyReversed):
		return "conflict"
	}
	return "error"
}

var _ ledger.Metrics = (*LedgerMetrics)(nil)
