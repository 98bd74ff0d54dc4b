// Package observability holds the Prometheus collectors of the kilometers engine.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// ─── Ledger operations ──────────────────────────────────────────────────────

// Operations counts engine operations by name and outcome
// (applied, duplicate, not_participating, rejected, error).
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Engine operations by operation and outcome.",
}, []string{"operation", "outcome"})

// PointsMoved sums the absolute points written per event kind.
var PointsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "ledger",
	Name:      "points_total",
	Help:      "Absolute points written to the ledger by event kind.",
}, []string{"kind"})

var EntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "ledger",
	Name:      "entries_total",
	Help:      "Ledger entries appended by event kind.",
}, []string{"kind"})

// ─── Expiration sweep ───────────────────────────────────────────────────────

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "kilometers",
	Subsystem: "sweep",
	Name:      "duration_seconds",
	Help:      "Wall time of a complete expiration sweep run.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
})

var SweepEntriesClosed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "sweep",
	Name:      "entries_closed_total",
	Help:      "Credit entries closed by the expiration sweep.",
})

var SweepCustomerFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "sweep",
	Name:      "customer_failures_total",
	Help:      "Customers whose expiration transaction failed during a sweep.",
})

// ─── Auditor ────────────────────────────────────────────────────────────────

var DriftDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "audit",
	Name:      "drift_detected_total",
	Help:      "Customers found with aggregates disagreeing with the ledger.",
})

var Reconciliations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "kilometers",
	Subsystem: "audit",
	Name:      "reconciliations_total",
	Help:      "Aggregate corrections written by the auditor.",
})

// ─── Helpers ────────────────────────────────────────────────────────────────

// RecordOperation increments the operation counter.
func RecordOperation(operation, outcome string) {
	Operations.WithLabelValues(operation, outcome).Inc()
}

// RecordEntry tracks one appended entry.
func RecordEntry(kind string, points decimal.Decimal) {
	EntriesWritten.WithLabelValues(kind).Inc()
	f, _ := points.Abs().Float64()
	PointsMoved.WithLabelValues(kind).Add(f)
}

// ObserveSweep records a finished sweep run.
func ObserveSweep(started time.Time, closed int) {
	SweepDuration.Observe(time.Since(started).Seconds())
	SweepEntriesClosed.Add(float64(closed))
}
