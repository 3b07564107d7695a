package tracing

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceWorkflowExecution wraps a workflow execution with tracing.
func TraceWorkflowExecution(ctx context.Context, workflowID, executionID string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("execution_id", executionID),
		attribute.String("component", "executor"),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "workflow execution completed")
	return nil
}

// TraceStepExecution wraps a single block's execution with tracing.
func TraceStepExecution(ctx context.Context, workflowID, executionID, blockID, blockType string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := StartSpan(ctx, "workflow.block.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("execution_id", executionID),
		attribute.String("block_id", blockID),
		attribute.String("block_type", blockType),
		attribute.String("component", "executor"),
	)

	output, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if outputJSON, err := json.Marshal(output); err == nil {
		span.SetAttributes(attribute.Int("output_size_bytes", len(outputJSON)))
	}

	span.SetStatus(codes.Ok, "block execution completed")
	return output, nil
}

// TraceSubWorkflow wraps a child-workflow execution with tracing.
func TraceSubWorkflow(ctx context.Context, parentWorkflowID, childWorkflowID, executionID string, depth int, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.sub_workflow")
	defer span.End()

	span.SetAttributes(
		attribute.String("parent_workflow_id", parentWorkflowID),
		attribute.String("child_workflow_id", childWorkflowID),
		attribute.String("execution_id", executionID),
		attribute.Int("depth", depth),
		attribute.String("component", "executor"),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "sub-workflow completed")
	return nil
}

// AddWorkflowAttributes adds workflow-specific attributes to the current span.
func AddWorkflowAttributes(ctx context.Context, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		SetSpanAttributes(span, attrs)
	}
}

// RecordWorkflowEvent records a workflow event on the current span.
func RecordWorkflowEvent(ctx context.Context, eventName string, attrs map[string]interface{}) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	var kvAttrs []attribute.KeyValue
	for key, value := range attrs {
		switch v := value.(type) {
		case string:
			kvAttrs = append(kvAttrs, attribute.String(key, v))
		case int:
			kvAttrs = append(kvAttrs, attribute.Int(key, v))
		case int64:
			kvAttrs = append(kvAttrs, attribute.Int64(key, v))
		case float64:
			kvAttrs = append(kvAttrs, attribute.Float64(key, v))
		case bool:
			kvAttrs = append(kvAttrs, attribute.Bool(key, v))
		}
	}
	span.AddEvent(eventName, trace.WithAttributes(kvAttrs...))
}

// RecordErrorWithStackTrace records an error on the span along with a
// captured stack trace, skipping runtime frames.
func RecordErrorWithStackTrace(span trace.Span, err error) {
	if err == nil || !span.SpanContext().IsValid() {
		return
	}

	stackTrace := captureStackTrace(3)

	span.RecordError(err, trace.WithStackTrace(true))
	span.SetAttributes(
		attribute.String("error.message", err.Error()),
		attribute.String("error.stack_trace", stackTrace),
	)
	span.SetStatus(codes.Error, err.Error())
}

func captureStackTrace(skip int) string {
	const maxFrames = 32
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip, pcs)
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			sb.WriteString(fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return sb.String()
}

// TraceLoopIteration wraps one loop iteration with tracing.
func TraceLoopIteration(ctx context.Context, loopID string, iterationIndex int, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := StartSpan(ctx, "workflow.loop.iteration",
		trace.WithAttributes(
			attribute.String("loop.id", loopID),
			attribute.Int("loop.iteration.index", iterationIndex),
			attribute.String("component", "loop_manager"),
		),
	)
	defer span.End()

	output, err := fn(ctx)
	if err != nil {
		RecordErrorWithStackTrace(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "iteration completed")
	return output, nil
}

// TraceParallelBranch wraps one parallel iteration (virtual block) with tracing.
func TraceParallelBranch(ctx context.Context, parallelID string, iterationIndex int, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ctx, span := StartSpan(ctx, "workflow.parallel.iteration",
		trace.WithAttributes(
			attribute.String("parallel.id", parallelID),
			attribute.Int("parallel.iteration.index", iterationIndex),
			attribute.String("component", "parallel_manager"),
		),
	)
	defer span.End()

	output, err := fn(ctx)
	if err != nil {
		RecordErrorWithStackTrace(span, err)
		return nil, err
	}

	span.SetStatus(codes.Ok, "iteration completed")
	return output, nil
}

// TraceLayer wraps the dispatch of one execution layer with tracing.
func TraceLayer(ctx context.Context, layerIndex int, blockCount int, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, "workflow.layer.dispatch",
		trace.WithAttributes(
			attribute.Int("layer.index", layerIndex),
			attribute.Int("layer.block_count", blockCount),
			attribute.String("component", "executor"),
		),
	)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		RecordErrorWithStackTrace(span, err)
		return err
	}

	span.SetStatus(codes.Ok, "layer settled")
	return nil
}
