package tracing

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ExporterType defines the type of trace exporter to use. The engine only
// ships spans to stdout or drops them; an OTLP collector sits outside this
// module's scope (no component here owns a network egress path).
type ExporterType string

const (
	// ExporterTypeConsole outputs traces to stdout (for local/dev runs).
	ExporterTypeConsole ExporterType = "console"
	// ExporterTypeNone disables trace export entirely.
	ExporterTypeNone ExporterType = "none"
)

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled            bool
	ServiceName        string
	ServiceVersion     string
	ExporterType       ExporterType
	SamplingRate       float64
	ResourceAttributes map[string]string
	BatchConfig        BatchConfig
}

// BatchConfig holds configuration for batch span processing.
type BatchConfig struct {
	MaxQueueSize       int
	BatchTimeoutMs     int
	ExportTimeoutMs    int
	MaxExportBatchSize int
}

// DefaultBatchConfig returns default batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxQueueSize:       2048,
		BatchTimeoutMs:     5000,
		ExportTimeoutMs:    30000,
		MaxExportBatchSize: 512,
	}
}

// LoadTracingConfig loads tracing configuration from environment variables.
func LoadTracingConfig() *TracingConfig {
	cfg := &TracingConfig{
		Enabled:            getEnvAsBool("TRACING_ENABLED", false),
		ServiceName:        getEnv("TRACING_SERVICE_NAME", "workflow-engine"),
		ServiceVersion:     getEnv("TRACING_SERVICE_VERSION", "1.0.0"),
		ExporterType:       ExporterType(getEnv("TRACING_EXPORTER_TYPE", string(ExporterTypeConsole))),
		SamplingRate:       getEnvAsFloat("TRACING_SAMPLING_RATE", 1.0),
		ResourceAttributes: parseResourceAttributes(getEnv("TRACING_RESOURCE_ATTRIBUTES", "")),
		BatchConfig:        DefaultBatchConfig(),
	}

	if cfg.ResourceAttributes == nil {
		cfg.ResourceAttributes = make(map[string]string)
	}
	if _, ok := cfg.ResourceAttributes["deployment.environment"]; !ok {
		cfg.ResourceAttributes["deployment.environment"] = getEnv("APP_ENV", "development")
	}

	return cfg
}

// ValidateConfig validates the tracing configuration.
func (c *TracingConfig) ValidateConfig() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.ServiceName == "" {
		errs = append(errs, errors.New("tracing service name cannot be empty"))
	}

	switch c.ExporterType {
	case ExporterTypeConsole, ExporterTypeNone:
	default:
		errs = append(errs, fmt.Errorf("invalid exporter type: %s (must be console or none)", c.ExporterType))
	}

	if c.SamplingRate < 0.0 || c.SamplingRate > 1.0 {
		errs = append(errs, fmt.Errorf("sampling rate must be between 0.0 and 1.0, got: %f", c.SamplingRate))
	}

	if len(errs) > 0 {
		return combineErrors(errs)
	}
	return nil
}

// IsEnabled returns true if tracing is enabled.
func (c *TracingConfig) IsEnabled() bool {
	return c.Enabled
}

func parseResourceAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	if s == "" {
		return attrs
	}

	pairs := strings.Split(s, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if key != "" {
				attrs[key] = value
			}
		}
	}
	return attrs
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	var sb strings.Builder
	sb.WriteString("tracing configuration errors: ")
	for i, err := range errs {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(err.Error())
	}
	return errors.New(sb.String())
}
