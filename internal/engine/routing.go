package engine

import "strings"

// BlockCategory groups block types by how the PathTracker and Executor
// treat their outgoing activation.
type BlockCategory string

const (
	CategoryRegular      BlockCategory = "regular"
	CategoryRouting      BlockCategory = "routing"
	CategoryFlowControl  BlockCategory = "flow-control"
)

// Routing is the pure classification oracle: a stateless mapping from block
// type (and connection handle) to scheduling behavior.
type Routing struct{}

// CategoryOf returns the block category for a block type. Unknown types
// (any open-ended handler type) are regular.
func (Routing) CategoryOf(t BlockType) BlockCategory {
	switch t {
	case BlockTypeRouter, BlockTypeCondition:
		return CategoryRouting
	case BlockTypeLoop, BlockTypeParallel, BlockTypeWorkflow:
		return CategoryFlowControl
	default:
		return CategoryRegular
	}
}

// RequiresActivePathCheck reports whether readiness for this category must
// consult the active execution path (flow-control blocks do; routing blocks
// are exempt because the router/condition itself decides what activates).
func (r Routing) RequiresActivePathCheck(t BlockType) bool {
	return r.CategoryOf(t) == CategoryFlowControl
}

// ShouldSkipInSelectiveActivation reports whether selective downstream
// activation (the BFS following a router/condition decision) should stop
// descending into a block of this type rather than following through it.
func (r Routing) ShouldSkipInSelectiveActivation(t BlockType) bool {
	switch r.CategoryOf(t) {
	case CategoryRouting, CategoryFlowControl:
		return true
	default:
		return false
	}
}

// ShouldActivateDownstream reports whether a block of this type, once
// executed, automatically activates all of its outgoing edges (regular
// blocks do; routing blocks choose one edge themselves; flow-control
// blocks delegate to their manager).
func (r Routing) ShouldActivateDownstream(t BlockType) bool {
	return r.CategoryOf(t) == CategoryRegular
}

// ShouldSkipConnection reports whether a connection, identified by its
// source handle and target block type, is internal flow-control wiring
// that selective activation must never follow directly.
func (Routing) ShouldSkipConnection(sourceHandle string, targetType BlockType) bool {
	switch sourceHandle {
	case HandleParallelStart, HandleParallelEndSource, HandleLoopStartSource, HandleLoopEndSource:
		return true
	}
	if strings.HasPrefix(sourceHandle, HandleConditionPrefix) {
		return true
	}
	return false
}
