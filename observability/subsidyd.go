package observability

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	subsidydMetricsOnce sync.Once
	subsidydRegistry    *SubsidydMetrics
)

// SubsidydMetrics wraps the collectors tracking the dual-write coordinator,
// the ledger client, and the reconciler.
type SubsidydMetrics struct {
	operations     *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	ledgerTx       *prometheus.CounterVec
	ledgerConfirm  *prometheus.HistogramVec
	divergences    *prometheus.CounterVec
	pendingRegs    prometheus.Gauge
	dbInUse        prometheus.Gauge
	dbWaitCount    prometheus.Gauge
	reconAnomalies *prometheus.CounterVec
	offline        prometheus.Gauge
}

// Subsidyd exposes the lazily initialised metrics registry for subsidyd.
func Subsidyd() *SubsidydMetrics {
	subsidydMetricsOnce.Do(func() {
		subsidydRegistry = &SubsidydMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subsidy",
				Subsystem: "coordinator",
				Name:      "operations_total",
				Help:      "Coordinator operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subsidy",
				Subsystem: "coordinator",
				Name:      "operation_duration_seconds",
				Help:      "Latency of coordinator operations including ledger confirmation waits.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}, []string{"operation"}),
			ledgerTx: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subsidy",
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Contract transactions segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			ledgerConfirm: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subsidy",
				Subsystem: "ledger",
				Name:      "confirmation_seconds",
				Help:      "Time between broadcasting a contract transaction and reaching the confirmation depth.",
				Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
			}, []string{"method"}),
			divergences: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subsidy",
				Subsystem: "coordinator",
				Name:      "divergences_total",
				Help:      "Ledger writes that succeeded while the following relational write failed.",
			}, []string{"operation"}),
			pendingRegs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subsidy",
				Subsystem: "coordinator",
				Name:      "pending_registrations",
				Help:      "Vendor registrations holding a database transaction while awaiting ledger confirmation.",
			}),
			dbInUse: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subsidy",
				Subsystem: "store",
				Name:      "connections_in_use",
				Help:      "Database connections currently checked out of the pool.",
			}),
			dbWaitCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subsidy",
				Subsystem: "store",
				Name:      "connection_wait_total",
				Help:      "Cumulative number of connection requests that had to wait for a free connection.",
			}),
			reconAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subsidy",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Ledger/store reconciliation anomalies segmented by type.",
			}, []string{"type"}),
			offline: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "subsidy",
				Subsystem: "ledger",
				Name:      "offline_mode",
				Help:      "Reports 1 when no ledger is configured and only relational state is authoritative.",
			}),
		}
		prometheus.MustRegister(
			subsidydRegistry.operations,
			subsidydRegistry.latency,
			subsidydRegistry.ledgerTx,
			subsidydRegistry.ledgerConfirm,
			subsidydRegistry.divergences,
			subsidydRegistry.pendingRegs,
			subsidydRegistry.dbInUse,
			subsidydRegistry.dbWaitCount,
			subsidydRegistry.reconAnomalies,
			subsidydRegistry.offline,
		)
	})
	return subsidydRegistry
}

// ObserveOperation records the outcome and latency of a coordinator operation.
func (m *SubsidydMetrics) ObserveOperation(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveLedgerTx records a contract transaction outcome. Confirmation latency is
// only tracked for confirmed transactions.
func (m *SubsidydMetrics) ObserveLedgerTx(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTx.WithLabelValues(method, outcome).Inc()
	if outcome == "confirmed" {
		m.ledgerConfirm.WithLabelValues(method).Observe(d.Seconds())
	}
}

// RecordDivergence increments the divergence counter for an operation.
func (m *SubsidydMetrics) RecordDivergence(operation string) {
	if m == nil {
		return
	}
	m.divergences.WithLabelValues(operation).Inc()
}

// AddPendingRegistrations adjusts the pending registration gauge.
func (m *SubsidydMetrics) AddPendingRegistrations(delta float64) {
	if m == nil {
		return
	}
	m.pendingRegs.Add(delta)
}

// RecordPoolStats publishes database pool usage so connection exhaustion from
// registrations waiting on the ledger is visible.
func (m *SubsidydMetrics) RecordPoolStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.dbInUse.Set(float64(stats.InUse))
	m.dbWaitCount.Set(float64(stats.WaitCount))
}

// RecordAnomaly increments the reconciliation anomaly counter.
func (m *SubsidydMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.reconAnomalies.WithLabelValues(kind).Inc()
}

// SetOffline toggles the offline mode gauge.
func (m *SubsidydMetrics) SetOffline(offline bool) {
	if m == nil {
		return
	}
	if offline {
		m.offline.Set(1)
		return
	}
	m.offline.Set(0)
}
