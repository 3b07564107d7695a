package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorax/flowengine/internal/expression"
	"github.com/gorax/flowengine/internal/metrics"
	"github.com/gorax/flowengine/internal/tracing"
)

// Options configures an Executor.
type Options struct {
	// Logger receives structured per-layer and per-block diagnostics. If
	// nil, slog.Default() is used.
	Logger *slog.Logger
	// IsChildExecution marks a run started by a workflow-block handler on
	// behalf of a parent run. Child executors must not publish to any
	// process-wide "currently executing" signal a UI/observer consumes;
	// New enforces this by replacing Observer with a no-op.
	IsChildExecution bool
	// IsDebugging puts the Executor into single-layer-at-a-time mode: Run
	// returns after every settled layer instead of driving to completion.
	IsDebugging bool
	// TotalTimeout, if positive, bounds the whole run; the engine enforces
	// no other timeout; per-handler timeouts are each handler's own concern.
	TotalTimeout time.Duration
	// Evaluator is shared by the InputResolver, LoopManager and
	// ParallelManager for forEachItems/distribution expressions. A fresh
	// one is created if nil.
	Evaluator *expression.Evaluator
	// Observer receives per-block UI-visible signals. Defaults to a no-op;
	// always forced to a no-op when IsChildExecution is set, regardless of
	// what's passed here.
	Observer Observer
	// Collector, if non-nil, receives per-block, per-loop-iteration and
	// per-parallel-branch Prometheus counters. Nil disables engine-level
	// metrics entirely; the caller may still record its own
	// workflow-level metrics around Run/RunWith.
	Collector *metrics.Metrics
}

// Executor walks a workflow one settled layer at a time, consulting
// PathTracker, LoopManager and ParallelManager between layers to decide what
// runs next.
type Executor struct {
	workflow *Workflow
	handlers *HandlerRegistry

	resolver        *InputResolver
	pathTracker     *PathTracker
	loopManager     *LoopManager
	parallelManager *ParallelManager
	conns           ConnectionUtils
	vbu             VirtualBlockUtils
	routing         Routing

	logger           *slog.Logger
	observer         Observer
	collector        *metrics.Metrics
	isChildExecution bool
	isDebugging      bool
	totalTimeout     time.Duration
}

// New constructs an Executor for wf, validating its shape up front. handlers
// resolves every non-core block type (router, condition, and any
// domain-specific "regular" type); loop and parallel blocks are driven
// internally and never reach the registry.
func New(wf *Workflow, handlers *HandlerRegistry, opts Options) (*Executor, error) {
	if err := validateWorkflow(wf); err != nil {
		return nil, NewValidationError(err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}

	// A child execution must not publish to whatever process-wide store the
	// parent's UI/observer is watching, regardless of what was configured.
	observer := opts.Observer
	if observer == nil || opts.IsChildExecution {
		observer = noopObserver{}
	}

	loopManager := NewLoopManager(wf, evaluator)
	parallelManager := NewParallelManager(wf, evaluator)
	loopManager.SetCollector(opts.Collector)
	parallelManager.SetCollector(opts.Collector)

	return &Executor{
		workflow:         wf,
		handlers:         handlers,
		resolver:         NewInputResolver(wf, evaluator),
		pathTracker:      NewPathTracker(wf),
		loopManager:      loopManager,
		parallelManager:  parallelManager,
		logger:           logger,
		observer:         observer,
		collector:        opts.Collector,
		isChildExecution: opts.IsChildExecution,
		isDebugging:      opts.IsDebugging,
		totalTimeout:     opts.TotalTimeout,
	}, nil
}

// validateWorkflow runs the construction-time shape checks: exactly one
// enabled starter with no incoming edges and (unless a trigger) at least one
// outgoing edge, and every connection endpoint resolving to a known block.
func validateWorkflow(wf *Workflow) error {
	var starters []Block
	for _, b := range wf.Blocks {
		if b.Type == BlockTypeStarter && b.Enabled {
			starters = append(starters, b)
		}
	}
	if len(starters) != 1 {
		return fmt.Errorf("workflow must have exactly one enabled starter block, found %d", len(starters))
	}
	starter := starters[0]

	ids := make(map[string]Block, len(wf.Blocks))
	for _, b := range wf.Blocks {
		ids[b.ID] = b
	}

	for _, c := range wf.Connections {
		if _, ok := ids[c.Source]; !ok {
			return fmt.Errorf("connection references unknown source block %q", c.Source)
		}
		if _, ok := ids[c.Target]; !ok {
			return fmt.Errorf("connection references unknown target block %q", c.Target)
		}
		if c.Target == starter.ID {
			return fmt.Errorf("starter block %q may not have incoming connections", starter.ID)
		}
	}

	if !starter.IsTrigger {
		hasOutgoing := false
		for _, c := range wf.Connections {
			if c.Source == starter.ID {
				hasOutgoing = true
				break
			}
		}
		if !hasOutgoing {
			return fmt.Errorf("starter block %q has no outgoing connections and is not a trigger", starter.ID)
		}
	}

	return nil
}

// Run drives wf to completion (or, in debug mode, one layer) starting from
// a fresh ExecutionContext seeded with input as the starter's output.
func (e *Executor) Run(ctx context.Context, input interface{}, env map[string]string, vars map[string]WorkflowVariable) (*ExecutionContext, error) {
	execCtx := NewExecutionContext(e.workflow.ID, env, vars)
	return e.RunWith(ctx, execCtx, input)
}

// RunWith drives wf to completion against a caller-supplied ExecutionContext
// (used by debug-mode continuation and by workflow-block handlers that pass
// down shared environment/variable state).
func (e *Executor) RunWith(ctx context.Context, execCtx *ExecutionContext, input interface{}) (*ExecutionContext, error) {
	if err := validateWorkflow(e.workflow); err != nil {
		return execCtx, NewValidationError(err)
	}

	if e.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.totalTimeout)
		defer cancel()
	}

	if execCtx.ChildRunner == nil {
		execCtx.ChildRunner = e
	}
	if e.isChildExecution {
		e.logger.Debug("starting child workflow execution", "workflow_id", e.workflow.ID, "execution_id", execCtx.ExecutionID)
	}

	starter, _ := e.workflow.Starter()
	if !execCtx.IsExecuted(starter.ID) {
		execCtx.SetBlockState(starter.ID, &BlockState{Output: input, Executed: true})
		execCtx.ActivatePath(starter.ID)
		e.pathTracker.UpdateExecutionPaths([]string{starter.ID}, execCtx)
	}

	layerIndex := 0
	for {
		if ctx.Err() != nil {
			execCtx.Cancel()
			return execCtx, NewCancellationError(ctx.Err())
		}
		if execCtx.Cancelled() {
			return execCtx, NewCancellationError(nil)
		}

		layer := e.nextExecutionLayer(execCtx)
		if len(layer) == 0 {
			if e.hasUnfinishedLoopOrParallel(execCtx) {
				return execCtx, NewInvariantError(fmt.Errorf("no ready blocks but a loop/parallel section has unsettled iterations"), "")
			}
			return execCtx, nil
		}

		if err := tracing.TraceLayer(ctx, layerIndex, len(layer), func(ctx context.Context) error {
			return e.runLayer(ctx, layer, execCtx)
		}); err != nil {
			return execCtx, err
		}
		layerIndex++

		e.pathTracker.UpdateExecutionPaths(layer, execCtx)

		for _, id := range layer {
			original := e.vbu.ExtractOriginalID(id)
			block, ok := e.workflow.BlockByID(original)
			if !ok || block.Type != BlockTypeParallel {
				continue
			}
			if err := e.parallelManager.ActivateParallel(ctx, original, execCtx); err != nil {
				return execCtx, err
			}
		}

		if err := e.loopManager.ProcessLoopIterations(ctx, execCtx); err != nil {
			return execCtx, err
		}
		if err := e.parallelManager.ProcessParallelCompletions(execCtx); err != nil {
			return execCtx, err
		}

		if e.isDebugging {
			return execCtx, nil
		}
	}
}

// ContinueExecution advances a debug-mode run by exactly one settled layer.
func (e *Executor) ContinueExecution(ctx context.Context, execCtx *ExecutionContext) (*ExecutionContext, error) {
	return e.RunWith(ctx, execCtx, nil)
}

// RunChild executes childWorkflow as a depth-tracked, cycle-guarded nested
// run on behalf of a workflow block in parent. It installs the parent's
// SubworkflowTracker on first use, rejects the call once the depth ceiling
// or a circular workflow reference is hit, and always runs the child with
// IsChildExecution set so its Observer is forced to a no-op.
func (e *Executor) RunChild(ctx context.Context, parent *ExecutionContext, childWorkflow *Workflow, handlers *HandlerRegistry, input interface{}) (*ExecutionContext, error) {
	tracker := parent.SubworkflowTracker
	if tracker == nil {
		tracker = NewSubworkflowTracker(parent.ExecutionID, 0)
		tracker.AddToChain(e.workflow.ID)
		parent.SubworkflowTracker = tracker
	}
	if err := tracker.CanExecute(childWorkflow.ID); err != nil {
		return nil, NewInvariantError(err, "")
	}

	childExecutor, err := New(childWorkflow, handlers, Options{
		Logger:           e.logger,
		Evaluator:        e.resolver.evaluator,
		TotalTimeout:     e.totalTimeout,
		IsChildExecution: true,
	})
	if err != nil {
		return nil, err
	}

	childCtx := NewExecutionContext(childWorkflow.ID, parent.EnvironmentVariables, parent.WorkflowVariables)
	childTracker := tracker.NextDepth(childCtx.ExecutionID)
	childTracker.AddToChain(childWorkflow.ID)
	childCtx.SubworkflowTracker = childTracker
	childCtx.ChildRunner = childExecutor

	return childExecutor.RunWith(ctx, childCtx, input)
}

// Cancel requests termination of a run in progress by marking execCtx
// cancelled. The flag is checked at the start of each layer; Cancel does not
// cancel any context.Context, so handlers already running are not signalled.
func (e *Executor) Cancel(execCtx *ExecutionContext) {
	execCtx.Cancel()
}

func (e *Executor) hasUnfinishedLoopOrParallel(execCtx *ExecutionContext) bool {
	for id := range e.workflow.Loops {
		if execCtx.IsExecuted(id) && !execCtx.CompletedLoops[id] {
			return true
		}
	}
	for id := range e.workflow.Parallels {
		if _, started := execCtx.LoopIterations[id]; started && !execCtx.CompletedLoops[id] {
			return true
		}
	}
	return false
}

// nextExecutionLayer applies the readiness rule over both original and
// virtual (parallel-iteration) block ids.
func (e *Executor) nextExecutionLayer(execCtx *ExecutionContext) []string {
	var layer []string

	for _, b := range e.workflow.Blocks {
		if b.Type == BlockTypeStarter {
			continue
		}
		if e.isReady(b.ID, execCtx) {
			layer = append(layer, b.ID)
		}
	}

	for vid := range execCtx.ParallelBlockMapping {
		if e.isReady(vid, execCtx) {
			layer = append(layer, vid)
		}
	}

	return layer
}

func (e *Executor) isReady(candidateID string, execCtx *ExecutionContext) bool {
	if execCtx.IsExecuted(candidateID) {
		return false
	}
	if !execCtx.IsActive(candidateID) {
		return false
	}

	original := e.vbu.ExtractOriginalID(candidateID)
	block, ok := e.workflow.BlockByID(original)
	if !ok || !block.Enabled {
		return false
	}

	for _, c := range e.conns.Incoming(original, e.workflow.Connections) {
		sourceID := e.resolveSourceID(candidateID, c.Source)
		if !execCtx.IsActive(sourceID) {
			continue // satisfied by inactivity
		}
		if !e.edgeSatisfied(c, sourceID, execCtx) {
			return false
		}
	}
	return true
}

// resolveSourceID maps an edge's original source id into the virtual id of
// the same parallel iteration as candidateID, when the source belongs to
// the same parallel section's interior.
func (e *Executor) resolveSourceID(candidateID, sourceOriginal string) string {
	vref, ok := e.vbu.Decode(candidateID)
	if !ok {
		return sourceOriginal
	}
	spec, ok := e.workflow.Parallels[vref.ParallelID]
	if !ok || !containsStr(spec.Nodes, sourceOriginal) {
		return sourceOriginal
	}
	return e.vbu.BuildVirtualID(sourceOriginal, vref.ParallelID, vref.IterationIndex)
}

func (e *Executor) edgeSatisfied(c Connection, sourceID string, execCtx *ExecutionContext) bool {
	sourceBlock, ok := e.workflow.BlockByID(e.vbu.ExtractOriginalID(sourceID))
	if !ok {
		return false
	}

	switch sourceBlock.Type {
	case BlockTypeRouter:
		if !execCtx.IsExecuted(sourceID) {
			return false
		}
		target, decided := execCtx.RouterDecision(sourceID)
		return decided && target == c.Target
	default:
		if condID, isCond := c.IsConditionHandle(); isCond {
			if !execCtx.IsExecuted(sourceID) {
				return false
			}
			selected, decided := execCtx.ConditionDecision(sourceID)
			return decided && selected == condID
		}
		switch c.Handle() {
		case HandleLoopEndSource:
			loopID := e.vbu.ExtractOriginalID(sourceID)
			return execCtx.CompletedLoops[loopID]
		case HandleError:
			state, executed := execCtx.GetBlockState(sourceID)
			return executed && state.HasError
		default:
			state, executed := execCtx.GetBlockState(sourceID)
			return executed && !state.HasError
		}
	}
}

// runLayer resolves inputs and dispatches handlers for every block in layer
// concurrently, then settles all results into execCtx before returning.
func (e *Executor) runLayer(ctx context.Context, layer []string, execCtx *ExecutionContext) error {
	type settled struct {
		id    string
		state *BlockState
	}

	results := make([]settled, len(layer))
	var wg sync.WaitGroup
	wg.Add(len(layer))

	for i, id := range layer {
		go func(i int, id string) {
			defer wg.Done()
			results[i] = settled{id: id, state: e.executeOne(ctx, id, execCtx)}
		}(i, id)
	}
	wg.Wait()

	for _, r := range results {
		execCtx.SetBlockState(r.id, r.state)
	}
	return nil
}

// executeOne resolves a single block's inputs and dispatches its handler
// (or the engine's own built-in behavior for loop/parallel blocks),
// returning the BlockState to be installed by the driver. It never mutates
// execCtx directly: any input resolution reads are concurrency-safe.
func (e *Executor) executeOne(ctx context.Context, id string, execCtx *ExecutionContext) *BlockState {
	start := time.Now()
	original := e.vbu.ExtractOriginalID(id)
	block, ok := e.workflow.BlockByID(original)
	if !ok {
		return &BlockState{HasError: true, Error: fmt.Sprintf("unknown block %q", original), Executed: true}
	}

	if ctx.Err() != nil {
		return &BlockState{HasError: true, Error: ctx.Err().Error(), Executed: true}
	}

	e.observer.BlockStarted(e.workflow.ID, id, block.Type)
	var state *BlockState
	defer func() {
		e.observer.BlockFinished(e.workflow.ID, id, state)
		if e.collector != nil && state != nil {
			status := "success"
			if state.HasError {
				status = "error"
			}
			e.collector.RecordBlockExecution(e.workflow.ID, string(block.Type), status, time.Since(start).Seconds())
		}
	}()

	resolved, err := e.resolver.ResolveParams(block, execCtx, block.ParamSchema)
	if err != nil {
		e.logger.Warn("input resolution failed", "block_id", id, "err", err)
		state = &BlockState{HasError: true, Error: err.Error(), Executed: true, DurationMs: time.Since(start).Milliseconds()}
		return state
	}

	var result Result
	switch block.Type {
	case BlockTypeLoop:
		result = Result{Output: map[string]interface{}{"loopId": block.ID, "started": true}}
	case BlockTypeParallel:
		result = Result{Output: map[string]interface{}{"parallelId": block.ID, "started": true}}
	default:
		handler, herr := e.handlers.Resolve(block.Type)
		if herr != nil {
			state = &BlockState{HasError: true, Error: herr.Error(), Executed: true, DurationMs: time.Since(start).Milliseconds()}
			return state
		}
		out, traceErr := tracing.TraceStepExecution(ctx, e.workflow.ID, execCtx.ExecutionID, id, string(block.Type), func(ctx context.Context) (interface{}, error) {
			return handler.Execute(ctx, block, resolved, execCtx)
		})
		if traceErr != nil {
			e.logger.Warn("handler execution failed", "block_id", id, "block_type", block.Type, "err", traceErr)
			state = &BlockState{HasError: true, Error: traceErr.Error(), Executed: true, DurationMs: time.Since(start).Milliseconds()}
			return state
		}
		result = out.(Result)
	}

	state = &BlockState{Output: result.Output, Executed: true, DurationMs: time.Since(start).Milliseconds()}
	if result.Error != "" {
		state.HasError = true
		state.Error = result.Error
	}
	return state
}
