package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer receives UI-visible execution signals. Production observers hang
// their store off this interface instead of the Executor touching any
// process-wide state directly; noopObserver is installed automatically for
// child executions so a nested run never re-publishes into whatever store
// the parent's UI is watching.
type Observer interface {
	BlockStarted(workflowID, blockID string, blockType BlockType)
	BlockFinished(workflowID, blockID string, state *BlockState)
}

type noopObserver struct{}

func (noopObserver) BlockStarted(string, string, BlockType)    {}
func (noopObserver) BlockFinished(string, string, *BlockState) {}

// ChildRunner lets a workflow-block handler start a nested execution without
// reaching into the owning Executor's internals. The Executor that owns a
// run installs itself as ExecutionContext.ChildRunner before dispatching any
// block.
type ChildRunner interface {
	// RunChild executes childWorkflow as a depth-tracked, cycle-guarded
	// child run of parent, isolated behind a no-op Observer. Returns an
	// ErrorCategoryInvariant error if the depth ceiling is reached or
	// childWorkflow.ID already appears in the execution chain.
	RunChild(ctx context.Context, parent *ExecutionContext, childWorkflow *Workflow, handlers *HandlerRegistry, input interface{}) (*ExecutionContext, error)
}

// BlockState is the recorded result of one executed block (including
// virtual blocks spawned by a parallel section).
type BlockState struct {
	Output     interface{}
	Error      string
	HasError   bool
	Executed   bool
	DurationMs int64
}

// LoopRunState tracks one loop's or parallel's iteration bookkeeping across
// the run, keyed by the loop/parallel id.
type LoopRunState struct {
	MaxIterations    int
	LoopType         LoopType
	ForEachItems     interface{}
	ExecutionResults map[string]interface{} // "iteration_N" -> per-iteration output(s)
}

// VirtualBlockRef records what a virtual block id decodes to: its origin
// block, the parallel section that spawned it, and the iteration index.
type VirtualBlockRef struct {
	OriginalBlockID string
	ParallelID      string
	IterationIndex  int
}

// Decisions holds the routing choices recorded by router and condition
// blocks, keyed by the (possibly virtual) block id that made the choice.
type Decisions struct {
	Router    map[string]string
	Condition map[string]string
}

// ExecutionContext is the mutable runtime state of a single workflow run.
// It is owned exclusively by one Executor instance; concurrent reads during
// input resolution are safe, but all writes happen on the driver goroutine
// between execution layers.
type ExecutionContext struct {
	mu sync.RWMutex

	WorkflowID  string
	ExecutionID string
	StartTime   time.Time

	BlockStates         map[string]*BlockState
	ExecutedBlocks      map[string]bool
	ActiveExecutionPath map[string]bool
	Decisions           Decisions

	LoopIterations map[string]int
	LoopItems      map[string]interface{}
	CompletedLoops map[string]bool
	LoopExecutions map[string]*LoopRunState

	ParallelBlockMapping map[string]VirtualBlockRef
	CurrentVirtualBlockID string

	EnvironmentVariables map[string]string
	WorkflowVariables    map[string]WorkflowVariable

	BlockLogs []BlockLogEntry

	// SubworkflowTracker guards nested workflow-block executions against
	// runaway depth and circular references. Installed by the owning
	// Executor on first use; nil for a run that never reaches a workflow
	// block.
	SubworkflowTracker *SubworkflowTracker
	// ChildRunner starts a nested execution on behalf of a workflow-block
	// handler. Installed by the owning Executor.
	ChildRunner ChildRunner

	cancelled bool
}

// BlockLogEntry is one append-only entry of the execution's audit trail.
type BlockLogEntry struct {
	BlockID   string
	Level     string
	Message   string
	Timestamp time.Time
}

// NewExecutionContext constructs an empty context for a fresh run.
func NewExecutionContext(workflowID string, env map[string]string, vars map[string]WorkflowVariable) *ExecutionContext {
	if env == nil {
		env = map[string]string{}
	}
	if vars == nil {
		vars = map[string]WorkflowVariable{}
	}
	return &ExecutionContext{
		WorkflowID:            workflowID,
		ExecutionID:           uuid.NewString(),
		StartTime:             time.Now(),
		BlockStates:           make(map[string]*BlockState),
		ExecutedBlocks:        make(map[string]bool),
		ActiveExecutionPath:   make(map[string]bool),
		Decisions:             Decisions{Router: make(map[string]string), Condition: make(map[string]string)},
		LoopIterations:        make(map[string]int),
		LoopItems:             make(map[string]interface{}),
		CompletedLoops:        make(map[string]bool),
		LoopExecutions:        make(map[string]*LoopRunState),
		ParallelBlockMapping:  make(map[string]VirtualBlockRef),
		EnvironmentVariables:  env,
		WorkflowVariables:     vars,
		BlockLogs:             nil,
	}
}

// SetBlockState records the result of an executed block. Called only by the
// driver between layers.
func (ec *ExecutionContext) SetBlockState(blockID string, state *BlockState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.BlockStates[blockID] = state
	ec.ExecutedBlocks[blockID] = true
}

// GetBlockState returns the recorded state for a block, if any.
func (ec *ExecutionContext) GetBlockState(blockID string) (*BlockState, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	s, ok := ec.BlockStates[blockID]
	return s, ok
}

// IsExecuted reports whether a block (original or virtual id) has executed.
func (ec *ExecutionContext) IsExecuted(blockID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.ExecutedBlocks[blockID]
}

// ActivatePath adds a block id to the active execution path.
func (ec *ExecutionContext) ActivatePath(blockID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.ActiveExecutionPath[blockID] = true
}

// IsActive reports whether a block id is currently in the active path.
func (ec *ExecutionContext) IsActive(blockID string) bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.ActiveExecutionPath[blockID]
}

// RecordRouterDecision records which target a router block selected.
func (ec *ExecutionContext) RecordRouterDecision(blockID, targetID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.Decisions.Router[blockID] = targetID
}

// RecordConditionDecision records which condition branch a condition block selected.
func (ec *ExecutionContext) RecordConditionDecision(blockID, conditionID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.Decisions.Condition[blockID] = conditionID
}

// RouterDecision returns the recorded target for a router block, if any.
func (ec *ExecutionContext) RouterDecision(blockID string) (string, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.Decisions.Router[blockID]
	return v, ok
}

// ConditionDecision returns the recorded condition id for a condition block, if any.
func (ec *ExecutionContext) ConditionDecision(blockID string) (string, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.Decisions.Condition[blockID]
	return v, ok
}

// DeleteDecisionsFor clears any router/condition decisions keyed by blockID,
// used when resetting a loop's interior between iterations.
func (ec *ExecutionContext) DeleteDecisionsFor(blockID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.Decisions.Router, blockID)
	delete(ec.Decisions.Condition, blockID)
}

// ResetBlock clears a block's executed/state/active-path entries so it can
// re-enter a subsequent loop iteration.
func (ec *ExecutionContext) ResetBlock(blockID string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	delete(ec.BlockStates, blockID)
	delete(ec.ExecutedBlocks, blockID)
	delete(ec.ActiveExecutionPath, blockID)
	delete(ec.Decisions.Router, blockID)
	delete(ec.Decisions.Condition, blockID)
}

// Cancel marks the run as cancelled.
func (ec *ExecutionContext) Cancel() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cancelled = true
}

// Cancelled reports whether the run has been cancelled.
func (ec *ExecutionContext) Cancelled() bool {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.cancelled
}

// AppendLog appends a block log entry.
func (ec *ExecutionContext) AppendLog(entry BlockLogEntry) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	ec.BlockLogs = append(ec.BlockLogs, entry)
}

// WithVirtualBlock temporarily namespaces decision keys to a virtual block
// id for the duration of fn, restoring the previous value afterward. Used by
// PathTracker.updateExecutionPaths when processing a virtual (parallel-iteration)
// block id.
func (ec *ExecutionContext) WithVirtualBlock(virtualID string, fn func()) {
	ec.mu.Lock()
	prev := ec.CurrentVirtualBlockID
	ec.CurrentVirtualBlockID = virtualID
	ec.mu.Unlock()

	fn()

	ec.mu.Lock()
	ec.CurrentVirtualBlockID = prev
	ec.mu.Unlock()
}
