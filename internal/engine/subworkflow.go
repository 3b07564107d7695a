package engine

import "fmt"

// MaxSubworkflowDepth bounds how deeply a workflow block may nest child
// executions before the engine refuses to go further.
const MaxSubworkflowDepth = 10

// SubworkflowTracker guards a chain of nested workflow-block executions
// against runaway depth and circular workflow references.
type SubworkflowTracker struct {
	parentExecutionID string
	depth             int
	maxDepth          int
	visitedWorkflows  map[string]bool
	workflowChain     []string
}

// NewSubworkflowTracker starts a tracker for a run at the given depth (0 for
// a top-level run).
func NewSubworkflowTracker(parentExecutionID string, depth int) *SubworkflowTracker {
	return &SubworkflowTracker{
		parentExecutionID: parentExecutionID,
		depth:             depth,
		maxDepth:          MaxSubworkflowDepth,
		visitedWorkflows:  make(map[string]bool),
	}
}

// WithWorkflowChain returns a copy of the tracker carrying chain as its
// visited-workflow history.
func (t *SubworkflowTracker) WithWorkflowChain(chain []string) *SubworkflowTracker {
	next := *t
	next.workflowChain = append([]string(nil), chain...)
	next.visitedWorkflows = make(map[string]bool, len(chain))
	for _, id := range chain {
		next.visitedWorkflows[id] = true
	}
	return &next
}

// WithMaxDepth returns a copy of the tracker with its depth ceiling changed.
func (t *SubworkflowTracker) WithMaxDepth(maxDepth int) *SubworkflowTracker {
	next := *t
	next.maxDepth = maxDepth
	return &next
}

// CanExecute reports whether a child execution of workflowID is permitted:
// the depth ceiling must not already be reached, and workflowID must not
// already appear in the chain (which would be a circular reference).
func (t *SubworkflowTracker) CanExecute(workflowID string) error {
	if t.depth >= t.maxDepth {
		return fmt.Errorf("subworkflow depth limit exceeded: max %d", t.maxDepth)
	}
	if t.visitedWorkflows[workflowID] {
		return fmt.Errorf("circular subworkflow reference detected: workflow %q already in execution chain", workflowID)
	}
	return nil
}

// AddToChain records workflowID as visited.
func (t *SubworkflowTracker) AddToChain(workflowID string) {
	t.workflowChain = append(t.workflowChain, workflowID)
	t.visitedWorkflows[workflowID] = true
}

// GetChain returns the recorded workflow chain.
func (t *SubworkflowTracker) GetChain() []string {
	return append([]string(nil), t.workflowChain...)
}

// GetDepth returns the tracker's current depth.
func (t *SubworkflowTracker) GetDepth() int {
	return t.depth
}

// NextDepth returns a tracker for a child execution one level deeper,
// inheriting the current workflow chain and depth ceiling.
func (t *SubworkflowTracker) NextDepth(parentExecutionID string) *SubworkflowTracker {
	child := NewSubworkflowTracker(parentExecutionID, t.depth+1)
	child.maxDepth = t.maxDepth
	child.workflowChain = append([]string(nil), t.workflowChain...)
	child.visitedWorkflows = make(map[string]bool, len(t.visitedWorkflows))
	for id := range t.visitedWorkflows {
		child.visitedWorkflows[id] = true
	}
	return child
}
