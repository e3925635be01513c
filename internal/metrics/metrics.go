// Package metrics exposes run and transaction counters in Prometheus format.
// The provisioner is a short-lived process, so metrics are written to a
// node-exporter textfile rather than served.
package metrics

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Bidon15/popsigner/provisioner/internal/txengine"
)

const namespace = "provisioner"

// Metrics holds the collectors of one run.
type Metrics struct {
	registry *prometheus.Registry

	txSubmitted  *prometheus.CounterVec
	txConfirmed  *prometheus.CounterVec
	txFailed     *prometheus.CounterVec
	txLatency    *prometheus.HistogramVec
	gasUsed      *prometheus.CounterVec
	phaseSeconds *prometheus.GaugeVec
	components   *prometheus.GaugeVec
	lastRun      *prometheus.GaugeVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		txSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_submitted_total",
			Help:      "Transactions handed to the node.",
		}, []string{"kind"}),
		txConfirmed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_confirmed_total",
			Help:      "Transactions confirmed with success status.",
		}, []string{"kind"}),
		txFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_failed_total",
			Help:      "Transactions that failed before or after submission.",
		}, []string{"kind"}),
		txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tx_confirmation_seconds",
			Help:      "Time from submission to receipt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"kind"}),
		gasUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gas_used_total",
			Help:      "Gas consumed by confirmed transactions.",
		}, []string{"kind"}),
		phaseSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each run phase.",
		}, []string{"phase"}),
		components: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "components",
			Help:      "Components handled by the last run.",
		}, []string{"action"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Completion time of the last run.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		m.txSubmitted, m.txConfirmed, m.txFailed, m.txLatency,
		m.gasUsed, m.phaseSeconds, m.components, m.lastRun,
	)
	return m
}

// Gatherer returns the registry.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.phaseSeconds.WithLabelValues(phase).Set(d.Seconds())
}

// SetComponents records how many components were deployed and reused.
func (m *Metrics) SetComponents(deployed, reused int) {
	m.components.WithLabelValues("deploy").Set(float64(deployed))
	m.components.WithLabelValues("reuse").Set(float64(reused))
}

// RunFinished stamps the completion time under status.
func (m *Metrics) RunFinished(status string, at time.Time) {
	m.lastRun.WithLabelValues(status).Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// TxSubmitted implements txengine.Observer.
func (m *Metrics) TxSubmitted(_ context.Context, s txengine.Submission) {
	m.txSubmitted.WithLabelValues(string(s.Kind)).Inc()
}

// TxConfirmed implements txengine.Observer.
func (m *Metrics) TxConfirmed(_ context.Context, s txengine.Submission, r *types.Receipt, latency time.Duration) {
	kind := string(s.Kind)
	m.txConfirmed.WithLabelValues(kind).Inc()
	m.txLatency.WithLabelValues(kind).Observe(latency.Seconds())
	if r != nil {
		m.gasUsed.WithLabelValues(kind).Add(float64(r.GasUsed))
	}
}

// TxFailed implements txengine.Observer.
func (m *Metrics) TxFailed(_ context.Context, s txengine.Submission, _ error) {
	m.txFailed.WithLabelValues(string(s.Kind)).Inc()
}
