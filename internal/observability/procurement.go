package observability

import "github.com/prometheus/client_golang/prometheus"

// ProcurementMetrics records purchase order lifecycle counters. A nil
// recorder drops everything.
type ProcurementMetrics struct {
	receiveCommits *prometheus.CounterVec
	unitsReceived  prometheus.Counter
	payments       *prometheus.CounterVec
	corrections    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
}

// NewProcurementMetrics registers the lifecycle collectors.
func NewProcurementMetrics(registerer prometheus.Registerer) *ProcurementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return newProcurementMetrics(registerer)
}

func newProcurementMetrics(registerer prometheus.Registerer) *ProcurementMetrics {
	m := &ProcurementMetrics{
		receiveCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_procurement_receive_commits_total",
			Help: "Receive commits partitioned by outcome.",
		}, []string{"outcome"}),
		unitsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_procurement_units_received_total",
			Help: "Units added to stock from purchase orders.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_procurement_payments_total",
			Help: "Supplier payment entries partitioned by ledger status.",
		}, []string{"status"}),
		corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_procurement_payment_status_corrections_total",
			Help: "Stale payment statuses corrected by reconciliation.",
		}, []string{"from", "to"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_procurement_order_transitions_total",
			Help: "Purchase order status transitions.",
		}, []string{"from", "to"}),
	}
	registerer.MustRegister(m.receiveCommits, m.unitsReceived, m.payments, m.corrections, m.transitions)
	return m
}

func (m *ProcurementMetrics) ReceiveCommitted(outcome string, units int) {
	if m == nil {
		return
	}
	m.receiveCommits.WithLabelValues(outcome).Inc()
	if units > 0 {
		m.unitsReceived.Add(float64(units))
	}
}

func (m *ProcurementMetrics) PaymentApplied(status string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(status).Inc()
}

func (m *ProcurementMetrics) PaymentStatusCorrected(from, to string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(from, to).Inc()
}

func (m *ProcurementMetrics) OrderTransitioned(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}
