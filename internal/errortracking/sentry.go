package errortracking

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/gorax/flowengine/internal/config"
)

// Level represents the severity level.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

// ErrPanic represents a recovered panic.
type ErrPanic struct {
	Message string
}

func (e ErrPanic) Error() string {
	return fmt.Sprintf("panic: %s", e.Message)
}

// Tracker wraps the Sentry SDK for error tracking. cmd/engine uses it to
// report a failed run's error after Run returns; the Executor does not call it.
type Tracker struct {
	enabled bool
	client  sentryHub
}

// sentryHub matches the subset of *sentry.Hub this package uses, so tests
// can substitute a fake.
type sentryHub interface {
	CaptureException(exception error) *sentry.EventID
	CaptureMessage(message string) *sentry.EventID
	AddBreadcrumb(breadcrumb *sentry.Breadcrumb, hint *sentry.BreadcrumbHint)
	WithScope(f func(*sentry.Scope))
	Flush(timeout time.Duration) bool
	Recover(err interface{}) *sentry.EventID
}

// Scope wraps Sentry scope for testing.
type Scope = sentry.Scope

// Breadcrumb represents a breadcrumb for Sentry.
type Breadcrumb struct {
	Type      string
	Category  string
	Message   string
	Level     Level
	Data      map[string]interface{}
	Timestamp time.Time
}

// Initialize sets up Sentry error tracking.
func Initialize(cfg config.ObservabilityConfig) (*Tracker, error) {
	tracker := &Tracker{enabled: cfg.SentryEnabled}

	if !cfg.SentryEnabled {
		return tracker, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.SentryEnvironment,
		TracesSampleRate: cfg.SentrySampleRate,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Sentry: %w", err)
	}

	tracker.client = sentry.CurrentHub()
	return tracker, nil
}

// CaptureError captures an error and sends it to Sentry.
func (t *Tracker) CaptureError(ctx context.Context, err error) string {
	if !t.enabled || err == nil {
		return ""
	}

	tags := enrichContext(ctx)

	var eventID *sentry.EventID
	t.client.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		eventID = t.client.CaptureException(err)
	})

	if eventID != nil {
		return string(*eventID)
	}
	return ""
}

// CaptureMessage captures a message with a specific level.
func (t *Tracker) CaptureMessage(ctx context.Context, message string, level Level) string {
	if !t.enabled {
		return ""
	}

	tags := enrichContext(ctx)

	var eventID *sentry.EventID
	t.client.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(toSentryLevel(level))
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		eventID = t.client.CaptureMessage(message)
	})

	if eventID != nil {
		return string(*eventID)
	}
	return ""
}

// AddBreadcrumb adds a breadcrumb to the current scope.
func (t *Tracker) AddBreadcrumb(ctx context.Context, breadcrumb Breadcrumb) {
	if !t.enabled {
		return
	}

	sentryBreadcrumb := &sentry.Breadcrumb{
		Type:      breadcrumb.Type,
		Category:  breadcrumb.Category,
		Message:   breadcrumb.Message,
		Level:     toSentryLevel(breadcrumb.Level),
		Data:      breadcrumb.Data,
		Timestamp: breadcrumb.Timestamp,
	}

	if sentryBreadcrumb.Timestamp.IsZero() {
		sentryBreadcrumb.Timestamp = time.Now()
	}

	t.client.AddBreadcrumb(sentryBreadcrumb, nil)
}

// RecoverPanic recovers from a panic and reports it to Sentry. It recovers
// only when it is itself the deferred call (defer t.RecoverPanic(ctx)).
func (t *Tracker) RecoverPanic(ctx context.Context) {
	if !t.enabled {
		return
	}

	if err := recover(); err != nil {
		tags := enrichContext(ctx)

		t.client.WithScope(func(scope *sentry.Scope) {
			for key, value := range tags {
				scope.SetTag(key, value)
			}
			t.client.Recover(err)
		})

		t.client.Flush(2 * time.Second)
	}
}

// WithScope executes a function with a new Sentry scope.
func (t *Tracker) WithScope(ctx context.Context, f func(*Scope)) {
	if !t.enabled {
		return
	}

	t.client.WithScope(func(scope *sentry.Scope) {
		tags := enrichContext(ctx)
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		f(scope)
	})
}

// Flush waits until the underlying client sends any buffered events.
func (t *Tracker) Flush(timeout time.Duration) {
	if !t.enabled {
		return
	}
	t.client.Flush(timeout)
}

// Close flushes and closes the Sentry client.
func (t *Tracker) Close() {
	if !t.enabled {
		return
	}
	t.client.Flush(5 * time.Second)
}

// enrichContext extracts engine-run identifiers from context for Sentry tags.
func enrichContext(ctx context.Context) map[string]string {
	tags := make(map[string]string)

	if executionID, ok := ctx.Value(executionIDKey{}).(string); ok && executionID != "" {
		tags["execution_id"] = executionID
	}
	if workflowID, ok := ctx.Value(workflowIDKey{}).(string); ok && workflowID != "" {
		tags["workflow_id"] = workflowID
	}

	return tags
}

type executionIDKey struct{}
type workflowIDKey struct{}

// WithExecutionContext returns a context carrying the execution/workflow IDs
// enrichContext reads back for Sentry tagging.
func WithExecutionContext(ctx context.Context, workflowID, executionID string) context.Context {
	ctx = context.WithValue(ctx, workflowIDKey{}, workflowID)
	ctx = context.WithValue(ctx, executionIDKey{}, executionID)
	return ctx
}

func toSentryLevel(level Level) sentry.Level {
	switch level {
	case LevelDebug:
		return sentry.LevelDebug
	case LevelInfo:
		return sentry.LevelInfo
	case LevelWarning:
		return sentry.LevelWarning
	case LevelError:
		return sentry.LevelError
	case LevelFatal:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}
