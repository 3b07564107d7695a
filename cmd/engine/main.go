package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gorax/flowengine/internal/buildinfo"
	"github.com/gorax/flowengine/internal/config"
	"github.com/gorax/flowengine/internal/engine"
	"github.com/gorax/flowengine/internal/errortracking"
	"github.com/gorax/flowengine/internal/metrics"
	"github.com/gorax/flowengine/internal/tracing"
)

func main() {
	workflowPath := flag.String("workflow", "", "path to a workflow definition JSON file")
	inputPath := flag.String("input", "", "path to a JSON file used as the starter block's input (optional)")
	healthPort := flag.String("health-port", "", "port to serve /healthz and /metrics on (optional)")
	showVersion := flag.Bool("version", false, "print build version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.GetInfo().String())
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *workflowPath == "" {
		logger.Error("-workflow is required")
		os.Exit(1)
	}

	cfg := config.Load()

	tracingCfg := tracing.LoadTracingConfig()
	_, tracingCleanup, err := tracing.InitTracing(context.Background(), tracingCfg)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer tracingCleanup()

	var tracker *errortracking.Tracker
	if cfg.Observability.SentryEnabled {
		tracker, err = errortracking.Initialize(cfg.Observability)
		if err != nil {
			logger.Error("failed to initialize error tracking", "error", err)
			os.Exit(1)
		}
		defer tracker.Close()
	}

	collectors := metrics.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := collectors.Register(registry); err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	if *healthPort != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(buildinfo.GetInfo())
		})
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		server := &http.Server{Addr: ":" + *healthPort, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	wf, err := loadWorkflow(*workflowPath)
	if err != nil {
		logger.Error("failed to load workflow", "error", err, "path", *workflowPath)
		os.Exit(1)
	}

	input, err := loadInput(*inputPath)
	if err != nil {
		logger.Error("failed to load input", "error", err, "path", *inputPath)
		os.Exit(1)
	}

	handlers := engine.NewHandlerRegistry()
	registerReferenceHandlers(handlers, logger)

	exec, err := engine.New(wf, handlers, engine.Options{
		Logger:       logger,
		TotalTimeout: cfg.MaxExecutionDuration,
		Collector:    collectors,
	})
	if err != nil {
		logger.Error("invalid workflow", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("received shutdown signal, cancelling run")
		cancel()
	}()

	collectors.IncActiveWorkflowExecutions(wf.ID)
	start := time.Now()

	var execCtx *engine.ExecutionContext
	runErr := tracing.TraceWorkflowExecution(ctx, wf.ID, "", func(ctx context.Context) error {
		var innerErr error
		execCtx, innerErr = exec.Run(ctx, input, nil, nil)
		return innerErr
	})

	collectors.DecActiveWorkflowExecutions(wf.ID)

	status := "succeeded"
	if runErr != nil {
		status = "failed"
		if tracker != nil {
			tracker.CaptureError(ctx, runErr)
		}
	}
	collectors.RecordWorkflowExecution(wf.ID, status, time.Since(start).Seconds())

	if runErr != nil {
		logger.Error("workflow run failed", "error", runErr)
		os.Exit(1)
	}
	_ = execCtx

	logger.Info("workflow run completed", "workflow_id", wf.ID, "duration", time.Since(start))
}

func loadWorkflow(path string) (*engine.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	var wf engine.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow definition: %w", err)
	}
	return &wf, nil
}

func loadInput(path string) (interface{}, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("parsing input: %w", err)
	}
	return input, nil
}

// registerReferenceHandlers wires the only built-in block handlers this
// command ships: a "passthrough" handler that returns its resolved inputs,
// useful for smoke-testing a workflow's wiring; a "log" handler that writes
// its resolved inputs to the structured logger; and a "workflow" handler
// that loads the child workflow named by config.workflowPath and runs it
// through the execution context's ChildRunner. Any real handler (http, transform, database, ...)
// is an integration concern outside this engine and must be registered by
// the embedding program.
func registerReferenceHandlers(handlers *engine.HandlerRegistry, logger *slog.Logger) {
	handlers.Register(engine.HandlerFunc{
		BlockType: engine.BlockType("passthrough"),
		Fn: func(ctx context.Context, block engine.Block, resolved map[string]interface{}, execCtx *engine.ExecutionContext) (engine.Result, error) {
			return engine.Result{Output: resolved}, nil
		},
	})
	handlers.Register(engine.HandlerFunc{
		BlockType: engine.BlockType("log"),
		Fn: func(ctx context.Context, block engine.Block, resolved map[string]interface{}, execCtx *engine.ExecutionContext) (engine.Result, error) {
			logger.Info("workflow log block", "block_id", block.ID, "block_name", block.Name, "inputs", resolved)
			return engine.Result{Output: resolved}, nil
		},
	})
	handlers.Register(engine.HandlerFunc{
		BlockType: engine.BlockTypeWorkflow,
		Fn: func(ctx context.Context, block engine.Block, resolved map[string]interface{}, execCtx *engine.ExecutionContext) (engine.Result, error) {
			path, _ := resolved["workflowPath"].(string)
			if path == "" {
				return engine.Result{}, fmt.Errorf("workflow block %q: config.workflowPath is required", block.ID)
			}
			if execCtx.ChildRunner == nil {
				return engine.Result{}, fmt.Errorf("workflow block %q: no child runner installed on the execution context", block.ID)
			}
			childWf, err := loadWorkflow(path)
			if err != nil {
				return engine.Result{}, fmt.Errorf("workflow block %q: %w", block.ID, err)
			}
			childCtx, err := execCtx.ChildRunner.RunChild(ctx, execCtx, childWf, handlers, resolved["input"])
			if err != nil {
				return engine.Result{}, err
			}
			output := map[string]interface{}{
				"workflowId":  childWf.ID,
				"executionId": childCtx.ExecutionID,
			}
			if starter, ok := childWf.Starter(); ok {
				if state, ok := childCtx.GetBlockState(starter.ID); ok {
					output["starterOutput"] = state.Output
				}
			}
			return engine.Result{Output: output}, nil
		},
	})
}
