package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests and minimal deployments quiet.
type Metrics struct {
	controlRuns   *prometheus.CounterVec
	evidenceTotal prometheus.Counter
	envelopes     *prometheus.CounterVec
	tickets       *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// NewMetrics creates and registers the agent collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		controlRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_control_runs_total",
			Help: "Control evaluations by control and status.",
		}, []string{"control_id", "status"}),
		evidenceTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meridian_evidence_appended_total",
			Help: "Evidence records appended to the Merkle log and store.",
		}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_trust_envelopes_total",
			Help: "Trust envelopes persisted by control and product.",
		}, []string{"control_id", "product_id"}),
		tickets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_tickets_created_total",
			Help: "Remediation tickets created by control.",
		}, []string{"control_id"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meridian_cycle_duration_seconds",
			Help:    "Wall-clock duration of one full control cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.controlRuns, m.evidenceTotal, m.envelopes, m.tickets, m.cycleDuration)
	return m
}

func (m *Metrics) recordRun(controlID, status string) {
	if m == nil {
		return
	}
	m.controlRuns.WithLabelValues(controlID, status).Inc()
}

func (m *Metrics) recordEvidence() {
	if m == nil {
		return
	}
	m.evidenceTotal.Inc()
}

func (m *Metrics) recordEnvelope(controlID, productID string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(controlID, productID).Inc()
}

func (m *Metrics) recordTicket(controlID string) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(controlID).Inc()
}

func (m *Metrics) recordCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}
