// Package engine implements the scheduler/resolver core of the workflow
// execution engine: the Executor, PathTracker, LoopManager, ParallelManager
// and InputResolver described by the platform's block-graph execution model.
package engine

import "strings"

// BlockType identifies the kind of work a Block performs. Anything outside
// the reserved control types (starter, router, condition, loop, parallel,
// workflow) is an open-ended "regular" handler type resolved at runtime
// through the Handler registry.
type BlockType string

const (
	BlockTypeStarter   BlockType = "starter"
	BlockTypeRouter    BlockType = "router"
	BlockTypeCondition BlockType = "condition"
	BlockTypeLoop      BlockType = "loop"
	BlockTypeParallel  BlockType = "parallel"
	BlockTypeWorkflow  BlockType = "workflow"
)

// Reserved connection handle values. Any value not in this list is an
// ordinary handle name (including the zero value, which is treated the
// same as HandleSource).
const (
	HandleSource            = "source"
	HandleError             = "error"
	HandleConditionPrefix   = "condition-"
	HandleLoopStartSource   = "loop-start-source"
	HandleLoopEndSource     = "loop-end-source"
	HandleParallelStart     = "parallel-start-source"
	HandleParallelEndSource = "parallel-end-source"
)

// Block is one node of the workflow graph. Config carries handler-specific
// parameters and is opaque to the engine except where InputResolver reaches
// into it to substitute references.
type Block struct {
	ID      string                 `json:"id"`
	Type    BlockType              `json:"type"`
	Name    string                 `json:"name"`
	Config  map[string]interface{} `json:"config,omitempty"`
	Enabled bool                   `json:"enabled"`

	// IsTrigger marks a starter block as a trigger, exempting it from the
	// "starter has >=1 outgoing edge" validation rule.
	IsTrigger bool `json:"isTrigger,omitempty"`

	// ParamSchema declares this block's config parameters for
	// InputResolver.ResolveParams: their coercion type and any condition
	// gating their inclusion. A block with no schema gets its config back
	// with references resolved and nothing coerced or filtered.
	ParamSchema []ParamSchemaEntry `json:"paramSchema,omitempty"`
}

// NormalizedName is the block's name with whitespace stripped and case
// folded, used to resolve <BLOCK.path> references by name.
func (b Block) NormalizedName() string {
	return normalizeBlockName(b.Name)
}

func normalizeBlockName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

// Connection is a directed edge between two blocks. SourceHandle carries
// the routing vocabulary (plain source, error, condition-<id>,
// loop/parallel start/end); the zero value is equivalent to HandleSource.
type Connection struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Handle returns SourceHandle, defaulting to HandleSource.
func (c Connection) Handle() string {
	if c.SourceHandle == "" {
		return HandleSource
	}
	return c.SourceHandle
}

// IsConditionHandle reports whether the connection is one branch of a
// condition block, and if so, the condition id it is keyed on.
func (c Connection) IsConditionHandle() (string, bool) {
	h := c.Handle()
	if strings.HasPrefix(h, HandleConditionPrefix) {
		return strings.TrimPrefix(h, HandleConditionPrefix), true
	}
	return "", false
}

// LoopType distinguishes a fixed-count loop from one driven by a collection.
type LoopType string

const (
	LoopTypeFor     LoopType = "for"
	LoopTypeForEach LoopType = "forEach"
)

// LoopSpec describes one loop block's interior and iteration source.
type LoopSpec struct {
	ID           string      `json:"id"`
	Nodes        []string    `json:"nodes"`
	Iterations   int         `json:"iterations,omitempty"`
	LoopType     LoopType    `json:"loopType"`
	ForEachItems interface{} `json:"forEachItems,omitempty"` // literal collection, or a string to be parsed/evaluated
}

// ParallelSpec describes one parallel block's interior and fan-out source.
type ParallelSpec struct {
	ID           string      `json:"id"`
	Nodes        []string    `json:"nodes"`
	Distribution interface{} `json:"distribution,omitempty"` // literal collection, or a string to be parsed/evaluated
}

// Workflow is the static, immutable-during-a-run definition consumed by the
// Executor: the full block/connection graph plus the loop and parallel
// specs addressed by id.
type Workflow struct {
	ID          string                  `json:"id"`
	Version     string                  `json:"version,omitempty"`
	Blocks      []Block                 `json:"blocks"`
	Connections []Connection            `json:"connections"`
	Loops       map[string]LoopSpec     `json:"loops,omitempty"`
	Parallels   map[string]ParallelSpec `json:"parallels,omitempty"`
}

// BlockByID returns the block with the given id, if present.
func (w *Workflow) BlockByID(id string) (Block, bool) {
	for _, b := range w.Blocks {
		if b.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// Starter returns the workflow's single enabled starter block.
func (w *Workflow) Starter() (Block, bool) {
	for _, b := range w.Blocks {
		if b.Type == BlockTypeStarter && b.Enabled {
			return b, true
		}
	}
	return Block{}, false
}

// WorkflowVariableType is the declared type of a workflow variable, used by
// the InputResolver's coercion rules.
type WorkflowVariableType string

const (
	WorkflowVarPlain   WorkflowVariableType = "plain"
	WorkflowVarString  WorkflowVariableType = "string"
	WorkflowVarNumber  WorkflowVariableType = "number"
	WorkflowVarBoolean WorkflowVariableType = "boolean"
	WorkflowVarObject  WorkflowVariableType = "object"
	WorkflowVarArray   WorkflowVariableType = "array"
)

// WorkflowVariable is a single named, typed variable available to every
// block via <variable.NAME> references.
type WorkflowVariable struct {
	Name  string               `json:"name"`
	Type  WorkflowVariableType `json:"type"`
	Value interface{}          `json:"value,omitempty"`
}
