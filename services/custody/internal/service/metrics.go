package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics implements the metrics hooks of the ledger, operations, gateway,
// relay and locks packages on one Prometheus registry.
type Metrics struct {
	LedgerRecords   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	InboundEvents   *prometheus.CounterVec
	IngestDuration  *prometheus.HistogramVec
	RelayJobs       *prometheus.CounterVec
	RelayDuration   *prometheus.HistogramVec
	LockActions     *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LedgerRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_ledger_records_total",
				Help: "Total ledger records by transaction type.",
			},
			[]string{"type", "status"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_operation_transitions_total",
				Help: "Total operation state transitions.",
			},
			[]string{"kind", "event", "status"},
		),
		InboundEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_inbound_events_total",
				Help: "Total inbound events by outcome.",
			},
			[]string{"topic", "outcome"},
		),
		IngestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_ingest_duration_seconds",
				Help:    "Inbound event processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
		RelayJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_relay_jobs_total",
				Help: "Total relay jobs by outcome.",
			},
			[]string{"kind", "outcome"},
		),
		RelayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "custody_relay_duration_seconds",
				Help:    "Relay job duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		LockActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_balance_lock_actions_total",
				Help: "Total balance lock and release calls.",
			},
			[]string{"action", "status"},
		),
		Reconciliations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "custody_reconciliations_total",
				Help: "Total account reconciliations by result.",
			},
			[]string{"result"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.LedgerRecords,
			m.Transitions,
			m.InboundEvents,
			m.IngestDuration,
			m.RelayJobs,
			m.RelayDuration,
			m.LockActions,
			m.Reconciliations,
		)
	}
	return m
}

func (m *Metrics) IncLedgerRecord(txType, status string) {
	if m == nil {
		return
	}
	m.LedgerRecords.WithLabelValues(txType, status).Inc()
}

func (m *Metrics) IncTransition(kind, event, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kind, event, status).Inc()
}

func (m *Metrics) ObserveIngest(topic, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(topic, outcome).Inc()
	m.IngestDuration.WithLabelValues(topic).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRelay(kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RelayJobs.WithLabelValues(kind, outcome).Inc()
	m.RelayDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) IncLockAction(action, status string) {
	if m == nil {
		return
	}
	m.LockActions.WithLabelValues(action, status).Inc()
}

func (m *Metrics) IncReconciliation(result string) {
	if m == nil {
		return
	}
	m.Reconciliations.WithLabelValues(result).Inc()
}
