package errortracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"

	"github.com/gorax/flowengine/internal/config"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ObservabilityConfig
		wantError bool
	}{
		{
			name: "successful initialization with valid config",
			cfg: config.ObservabilityConfig{
				SentryEnabled:     true,
				SentryDSN:         "https://examplePublicKey@o0.ingest.sentry.io/0",
				SentryEnvironment: "test",
				SentrySampleRate:  1.0,
			},
			wantError: false,
		},
		{
			name: "disabled sentry skips initialization",
			cfg: config.ObservabilityConfig{
				SentryEnabled: false,
			},
			wantError: false,
		},
		{
			name: "invalid DSN returns error",
			cfg: config.ObservabilityConfig{
				SentryEnabled:     true,
				SentryDSN:         "invalid-dsn",
				SentryEnvironment: "test",
				SentrySampleRate:  1.0,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentry.Flush(time.Second)

			tracker, err := Initialize(tt.cfg)
			defer func() {
				if tracker != nil {
					tracker.Close()
				}
			}()

			if tt.wantError {
				assert.Error(t, err)
				assert.Nil(t, tracker)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, tracker)
			}
		})
	}
}

func TestTracker_CaptureError(t *testing.T) {
	tracker := &Tracker{
		enabled: true,
		client:  &mockSentryHub{},
	}

	tests := []struct {
		name string
		err  error
		ctx  context.Context
	}{
		{
			name: "capture simple error",
			err:  errors.New("test error"),
			ctx:  context.Background(),
		},
		{
			name: "capture error with context values",
			err:  errors.New("context error"),
			ctx:  contextWithValues(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventID := tracker.CaptureError(tt.ctx, tt.err)
			assert.NotEmpty(t, eventID)
		})
	}
}

func TestTracker_CaptureMessage(t *testing.T) {
	tracker := &Tracker{
		enabled: true,
		client:  &mockSentryHub{},
	}

	tests := []struct {
		name    string
		message string
		level   Level
	}{
		{name: "info level message", message: "info message", level: LevelInfo},
		{name: "warning level message", message: "warning message", level: LevelWarning},
		{name: "error level message", message: "error message", level: LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eventID := tracker.CaptureMessage(context.Background(), tt.message, tt.level)
			assert.NotEmpty(t, eventID)
		})
	}
}

func TestTracker_AddBreadcrumb(t *testing.T) {
	tracker := &Tracker{
		enabled: true,
		client:  &mockSentryHub{},
	}

	breadcrumb := Breadcrumb{
		Type:     "execution",
		Category: "block",
		Message:  "block execution started",
		Level:    LevelInfo,
		Data: map[string]interface{}{
			"block_id": "block-1",
		},
	}

	tracker.AddBreadcrumb(context.Background(), breadcrumb)
}

func TestTracker_RecoverPanic(t *testing.T) {
	tracker := &Tracker{
		enabled: true,
		client:  &mockSentryHub{},
	}

	tests := []struct {
		name       string
		panicValue interface{}
	}{
		{name: "recover from string panic", panicValue: "panic message"},
		{name: "recover from error panic", panicValue: errors.New("panic error")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("unexpected panic: %v", r)
				}
			}()

			defer tracker.RecoverPanic(context.Background())

			panic(tt.panicValue)
		})
	}
}

func TestTracker_Flush(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}
	tracker.Flush(2 * time.Second)
}

func TestTracker_Close(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}
	tracker.Close()
}

func TestTracker_WithScope(t *testing.T) {
	tracker := &Tracker{enabled: true, client: &mockSentryHub{}}

	captured := false
	tracker.WithScope(context.Background(), func(scope *Scope) {
		scope.SetTag("test", "value")
		scope.SetExtra("key", "value")
		captured = true
	})

	assert.True(t, captured)
}

func TestEnrichContext(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		wantTags map[string]string
	}{
		{
			name: "extract workflow and execution id from context",
			ctx:  contextWithValues(),
			wantTags: map[string]string{
				"workflow_id":  "test-workflow",
				"execution_id": "exec-123",
			},
		},
		{
			name:     "empty context returns empty tags",
			ctx:      context.Background(),
			wantTags: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tags := enrichContext(tt.ctx)
			for key, value := range tt.wantTags {
				assert.Equal(t, value, tags[key])
			}
		})
	}
}

func TestLevelConversion(t *testing.T) {
	tests := []struct {
		level    Level
		expected sentry.Level
	}{
		{LevelDebug, sentry.LevelDebug},
		{LevelInfo, sentry.LevelInfo},
		{LevelWarning, sentry.LevelWarning},
		{LevelError, sentry.LevelError},
		{LevelFatal, sentry.LevelFatal},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			result := toSentryLevel(tt.level)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func contextWithValues() context.Context {
	return WithExecutionContext(context.Background(), "test-workflow", "exec-123")
}

// mockSentryHub implements the sentryHub interface for testing.
type mockSentryHub struct{}

func (m *mockSentryHub) CaptureException(exception error) *sentry.EventID {
	id := sentry.EventID("mock-event-id")
	return &id
}

func (m *mockSentryHub) CaptureMessage(message string) *sentry.EventID {
	id := sentry.EventID("mock-event-id")
	return &id
}

func (m *mockSentryHub) AddBreadcrumb(breadcrumb *sentry.Breadcrumb, hint *sentry.BreadcrumbHint) {
}

func (m *mockSentryHub) WithScope(f func(*sentry.Scope)) {
	scope := sentry.NewScope()
	f(scope)
}

func (m *mockSentryHub) Flush(timeout time.Duration) bool {
	return true
}

func (m *mockSentryHub) Recover(err interface{}) *sentry.EventID {
	id := sentry.EventID("mock-event-id")
	return &id
}
