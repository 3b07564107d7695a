package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.WorkflowExecutionsTotal)
	assert.NotNil(t, m.WorkflowExecutionDuration)
	assert.NotNil(t, m.BlockExecutionsTotal)
	assert.NotNil(t, m.BlockExecutionDuration)
	assert.NotNil(t, m.LoopIterationsTotal)
	assert.NotNil(t, m.ParallelBranchesTotal)
	assert.NotNil(t, m.ExpressionEvaluationsTotal)
	assert.NotNil(t, m.ExpressionEvaluationDuration)
}

func TestRegisterMetrics(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()

	err := m.Register(registry)

	assert.NoError(t, err)
}

func TestRegisterMetricsTwice(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	err := m.Register(registry)

	assert.Error(t, err)
}

func TestRecordWorkflowExecution(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordWorkflowExecution("workflow1", "completed", 1.5)

	metrics, err := registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, metrics)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "flowengine_workflow_executions_total" {
			found = true
			assert.Equal(t, 1, len(metric.GetMetric()))
		}
	}
	assert.True(t, found, "workflow executions counter should be present")
}

func TestRecordBlockExecution(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordBlockExecution("workflow1", "http_request", "completed", 0.5)

	metrics, err := registry.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, metrics)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "flowengine_block_executions_total" {
			found = true
		}
	}
	assert.True(t, found, "block executions counter should be present")
}

func TestRecordLoopIteration(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordLoopIteration("workflow1", "loop-1")

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "flowengine_loop_iterations_total" {
			found = true
			assert.Equal(t, 1, len(metric.GetMetric()))
			assert.Equal(t, float64(1), metric.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "loop iterations counter should be present")
}

func TestRecordParallelBranch(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordParallelBranch("workflow1", "parallel-1")

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	found := false
	for _, metric := range metrics {
		if metric.GetName() == "flowengine_parallel_branches_total" {
			found = true
		}
	}
	assert.True(t, found, "parallel branches counter should be present")
}

func TestRecordExpressionCacheHitAndMiss(t *testing.T) {
	m := NewMetrics()
	registry := prometheus.NewRegistry()
	m.Register(registry)

	m.RecordExpressionCacheHit()
	m.RecordExpressionCacheMiss()

	metrics, err := registry.Gather()
	assert.NoError(t, err)

	foundHit := false
	foundMiss := false
	for _, metric := range metrics {
		if metric.GetName() == "flowengine_expression_cache_hits_total" {
			foundHit = true
			assert.Equal(t, float64(1), metric.GetMetric()[0].GetCounter().GetValue())
		}
		if metric.GetName() == "flowengine_expression_cache_misses_total" {
			foundMiss = true
			assert.Equal(t, float64(1), metric.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, foundHit, "expression cache hits counter should be present")
	assert.True(t, foundMiss, "expression cache misses counter should be present")
}
