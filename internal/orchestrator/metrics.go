package orchestrator

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks workflow and step outcomes.
type Metrics struct {
	registry       *prometheus.Registry
	workflowsTotal *prometheus.CounterVec
	stepsTotal     *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	gasEstimated   prometheus.Histogram
}

func NewMetrics() *Metrics {
	workflows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicerail_workflows_total",
		Help: "Workflow executions by outcome",
	}, []string{"workflow", "status"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicerail_workflow_steps_total",
		Help: "Workflow steps by outcome",
	}, []string{"workflow", "step", "status"})

	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invoicerail_failures_total",
		Help: "Failures by error category",
	}, []string{"category"})

	gasEstimated := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "invoicerail_gas_limit",
		Help:    "Buffered gas limits attached to submitted writes",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 8),
	})

	r := prometheus.NewRegistry()
	r.MustRegister(workflows, steps, failures, gasEstimated)

	return &Metrics{
		registry:       r,
		workflowsTotal: workflows,
		stepsTotal:     steps,
		failuresTotal:  failures,
		gasEstimated:   gasEstimated,
	}
}

// Handler exposes the registry for the API's metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) workflowDone(workflow, status string) {
	m.workflowsTotal.WithLabelValues(workflow, status).Inc()
}

func (m *Metrics) stepDone(workflow, step, status string) {
	m.stepsTotal.WithLabelValues(workflow, step, status).Inc()
}

func (m *Metrics) failure(category string) {
	m.failuresTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) observeGasLimit(limit uint64) {
	m.gasEstimated.Observe(float64(limit))
}
