// Package metrics records workflow, approval and model-call metrics in a
// private Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pulse/pkg/proto"
)

// Namespace prefixes every metric name.
const Namespace = "pulse"

// PrometheusRecorder implements approval.Recorder, graph.Observer and
// llm.RequestRecorder.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	approvalsTotal  *prometheus.CounterVec
	approvalWait    *prometheus.HistogramVec
	nodeRunsTotal   *prometheus.CounterVec
	nodeDuration    *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder registers every metric on a fresh registry, so
// several recorders can coexist in one process.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		approvalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "approvals_total",
				Help:      "Approval exchanges by gate kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		approvalWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "approval_wait_seconds",
				Help:      "Time a workflow spent suspended waiting for a decision",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"kind"},
		),
		nodeRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "node_executions_total",
				Help:      "Node executions by node and status",
			},
			[]string{"node", "status"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "node_duration_seconds",
				Help:      "Node execution time, approval waits included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "workflow_runs_total",
				Help:      "Workflow runs by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "workflow_run_duration_seconds",
				Help:      "End-to-end workflow run time",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "llm_requests_total",
				Help:      "Model calls by model, status and error type",
			},
			[]string{"model", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "llm_tokens_total",
				Help:      "Estimated tokens sent and received",
			},
			[]string{"model", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Duration of model calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"model"},
		),
	}
}

// Registry exposes the recorder's registry for export.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

// ObserveApproval records one completed approval exchange.
func (p *PrometheusRecorder) ObserveApproval(kind proto.ApprovalKind, outcome proto.Outcome, wait time.Duration) {
	p.approvalsTotal.WithLabelValues(kind.String(), outcome.String()).Inc()
	p.approvalWait.WithLabelValues(kind.String()).Observe(wait.Seconds())
}

// ObserveNode records one node execution.
func (p *PrometheusRecorder) ObserveNode(node string, d time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	p.nodeRunsTotal.WithLabelValues(node, status).Inc()
	p.nodeDuration.WithLabelValues(node).Observe(d.Seconds())
}

// ObserveRun records one finished workflow run.
func (p *PrometheusRecorder) ObserveRun(mode, outcome string, d time.Duration) {
	p.runsTotal.WithLabelValues(mode, outcome).Inc()
	p.runDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveRequest records one model call. Tokens are only counted on success.
func (p *PrometheusRecorder) ObserveRequest(model string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.requestsTotal.WithLabelValues(model, status, errorType).Inc()
	if success {
		p.tokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
	p.requestDuration.WithLabelValues(model).Observe(duration.Seconds())
}
