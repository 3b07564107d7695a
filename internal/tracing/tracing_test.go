package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing_Disabled(t *testing.T) {
	provider, cleanup, err := InitTracing(context.Background(), &TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, provider.IsHealthy())
}

func TestInitTracing_ConsoleExporter(t *testing.T) {
	cfg := LoadTracingConfig()
	cfg.Enabled = true
	cfg.ExporterType = ExporterTypeConsole
	cfg.SamplingRate = 1.0

	provider, cleanup, err := InitTracing(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	assert.True(t, provider.IsHealthy())
	assert.NotNil(t, provider.Tracer("test"))
}

func TestTraceWorkflowExecution_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := TraceWorkflowExecution(context.Background(), "wf-1", "exec-1", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestTraceLoopIteration_ReturnsOutput(t *testing.T) {
	output, err := TraceLoopIteration(context.Background(), "loop-1", 2, func(ctx context.Context) (interface{}, error) {
		return "iteration-output", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "iteration-output", output)
}

func TestValidateConfig_RejectsUnknownExporter(t *testing.T) {
	cfg := &TracingConfig{Enabled: true, ServiceName: "x", ExporterType: "otlp", SamplingRate: 1.0}
	err := cfg.ValidateConfig()
	assert.Error(t, err)
}
