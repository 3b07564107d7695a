package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors exposed by the execution engine.
type Metrics struct {
	// Workflow run metrics
	WorkflowExecutionsTotal   *prometheus.CounterVec
	WorkflowExecutionDuration *prometheus.HistogramVec
	WorkflowExecutionsActive  *prometheus.GaugeVec

	// Block execution metrics
	BlockExecutionsTotal   *prometheus.CounterVec
	BlockExecutionDuration *prometheus.HistogramVec

	// Loop and parallel fan-out metrics
	LoopIterationsTotal    *prometheus.CounterVec
	ParallelBranchesTotal  *prometheus.CounterVec

	// Expression evaluation metrics
	ExpressionEvaluationsTotal   *prometheus.CounterVec
	ExpressionEvaluationDuration *prometheus.HistogramVec
	ExpressionCacheHitsTotal     prometheus.Counter
	ExpressionCacheMissesTotal   prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all collectors initialized.
func NewMetrics() *Metrics {
	return &Metrics{
		WorkflowExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_workflow_executions_total",
				Help: "Total number of workflow executions by terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		WorkflowExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_workflow_execution_duration_seconds",
				Help:    "Workflow execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"workflow_id"},
		),
		WorkflowExecutionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "flowengine_workflow_executions_active",
				Help: "Number of currently running workflow executions",
			},
			[]string{"workflow_id"},
		),
		BlockExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_block_executions_total",
				Help: "Total number of block executions by type and status",
			},
			[]string{"workflow_id", "block_type", "status"},
		),
		BlockExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_block_execution_duration_seconds",
				Help:    "Block execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"workflow_id", "block_type"},
		),
		LoopIterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_loop_iterations_total",
				Help: "Total number of loop iterations executed",
			},
			[]string{"workflow_id", "loop_id"},
		),
		ParallelBranchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_parallel_branches_total",
				Help: "Total number of parallel branches executed",
			},
			[]string{"workflow_id", "parallel_id"},
		),
		ExpressionEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowengine_expression_evaluations_total",
				Help: "Total number of expression evaluations by status",
			},
			[]string{"status"},
		),
		ExpressionEvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowengine_expression_evaluation_duration_seconds",
				Help:    "Expression evaluation duration in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{},
		),
		ExpressionCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_expression_cache_hits_total",
				Help: "Total number of compiled-expression cache hits",
			},
		),
		ExpressionCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowengine_expression_cache_misses_total",
				Help: "Total number of compiled-expression cache misses",
			},
		),
	}
}

// Register registers all metrics with the provided registry.
func (m *Metrics) Register(registry *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		m.WorkflowExecutionsTotal,
		m.WorkflowExecutionDuration,
		m.WorkflowExecutionsActive,
		m.BlockExecutionsTotal,
		m.BlockExecutionDuration,
		m.LoopIterationsTotal,
		m.ParallelBranchesTotal,
		m.ExpressionEvaluationsTotal,
		m.ExpressionEvaluationDuration,
		m.ExpressionCacheHitsTotal,
		m.ExpressionCacheMissesTotal,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

// RecordWorkflowExecution records a completed workflow execution.
func (m *Metrics) RecordWorkflowExecution(workflowID, status string, durationSeconds float64) {
	m.WorkflowExecutionsTotal.WithLabelValues(workflowID, status).Inc()
	m.WorkflowExecutionDuration.WithLabelValues(workflowID).Observe(durationSeconds)
}

// IncActiveWorkflowExecutions increments the active workflow executions gauge.
func (m *Metrics) IncActiveWorkflowExecutions(workflowID string) {
	m.WorkflowExecutionsActive.WithLabelValues(workflowID).Inc()
}

// DecActiveWorkflowExecutions decrements the active workflow executions gauge.
func (m *Metrics) DecActiveWorkflowExecutions(workflowID string) {
	m.WorkflowExecutionsActive.WithLabelValues(workflowID).Dec()
}

// RecordBlockExecution records a single block execution.
func (m *Metrics) RecordBlockExecution(workflowID, blockType, status string, durationSeconds float64) {
	m.BlockExecutionsTotal.WithLabelValues(workflowID, blockType, status).Inc()
	m.BlockExecutionDuration.WithLabelValues(workflowID, blockType).Observe(durationSeconds)
}

// RecordLoopIteration records one loop iteration.
func (m *Metrics) RecordLoopIteration(workflowID, loopID string) {
	m.LoopIterationsTotal.WithLabelValues(workflowID, loopID).Inc()
}

// RecordParallelBranch records one parallel virtual-block branch.
func (m *Metrics) RecordParallelBranch(workflowID, parallelID string) {
	m.ParallelBranchesTotal.WithLabelValues(workflowID, parallelID).Inc()
}

// RecordExpressionEvaluation records an expression evaluation outcome.
func (m *Metrics) RecordExpressionEvaluation(status string, durationSeconds float64) {
	m.ExpressionEvaluationsTotal.WithLabelValues(status).Inc()
	m.ExpressionEvaluationDuration.WithLabelValues().Observe(durationSeconds)
}

// RecordExpressionCacheHit records a compiled-program cache hit.
func (m *Metrics) RecordExpressionCacheHit() {
	m.ExpressionCacheHitsTotal.Inc()
}

// RecordExpressionCacheMiss records a compiled-program cache miss.
func (m *Metrics) RecordExpressionCacheMiss() {
	m.ExpressionCacheMissesTotal.Inc()
}
