package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes table sizes as Prometheus gauges, labeled by
// connection id. Pass a *Metrics to
// Options.Metrics / WithMetrics to have every table mutation update it;
// leave it nil (the default) to skip the bookkeeping entirely.
type Metrics struct {
	exports   *prometheus.GaugeVec
	imports   *prometheus.GaugeVec
	questions *prometheus.GaugeVec
	answers   *prometheus.GaugeVec
}

// NewMetrics registers a fresh set of gauges with reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a
// prometheus.NewRegistry() in tests that need isolation.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		exports: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capnp_rpc_exports",
			Help: "number of live rows in the export table, by connection",
		}, []string{"conn_id"}),
		imports: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capnp_rpc_imports",
			Help: "number of live rows in the import table, by connection",
		}, []string{"conn_id"}),
		questions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capnp_rpc_questions",
			Help: "number of outstanding questions, by connection",
		}, []string{"conn_id"}),
		answers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capnp_rpc_answers",
			Help: "number of outstanding answers, by connection",
		}, []string{"conn_id"}),
	}
}

func (m *Metrics) setExports(connID string, n int) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(connID).Set(float64(n))
}

func (m *Metrics) setImports(connID string, n int) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(connID).Set(float64(n))
}

func (m *Metrics) setQuestions(connID string, n int) {
	if m == nil {
		return
	}
	m.questions.WithLabelValues(connID).Set(float64(n))
}

func (m *Metrics) setAnswers(connID string, n int) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(connID).Set(float64(n))
}
