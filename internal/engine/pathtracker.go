package engine

// PathTracker maintains the derived indexes and activation rules for which
// blocks are part of the currently active execution path, and how that set
// grows as routing/flow-control blocks execute.
type PathTracker struct {
	workflow *Workflow
	conns    ConnectionUtils
	vbu      VirtualBlockUtils
	routing  Routing

	byID         map[string]Block
	byNormalized map[string]Block
	loopOf       map[string]string // blockID -> loop id
	parallelOf   map[string]string // blockID -> parallel id
}

// NewPathTracker builds the immutable derived indexes over wf.
func NewPathTracker(wf *Workflow) *PathTracker {
	pt := &PathTracker{
		workflow:     wf,
		byID:         make(map[string]Block, len(wf.Blocks)),
		byNormalized: make(map[string]Block, len(wf.Blocks)),
		loopOf:       make(map[string]string),
		parallelOf:   make(map[string]string),
	}
	for _, b := range wf.Blocks {
		pt.byID[b.ID] = b
		pt.byNormalized[b.NormalizedName()] = b
	}
	for id, spec := range wf.Loops {
		for _, n := range spec.Nodes {
			pt.loopOf[n] = id
		}
	}
	for id, spec := range wf.Parallels {
		for _, n := range spec.Nodes {
			pt.parallelOf[n] = id
		}
	}
	return pt
}

// IsInActivePath reports whether blockID is already active, or becomes
// active because some incoming edge is itself active.
func (pt *PathTracker) IsInActivePath(blockID string, ctx *ExecutionContext) bool {
	if ctx.IsActive(blockID) {
		return true
	}
	original := pt.vbu.ExtractOriginalID(blockID)
	for _, c := range pt.conns.Incoming(original, pt.workflow.Connections) {
		if pt.isActiveEdge(c, blockID, ctx) {
			return true
		}
	}
	return false
}

func (pt *PathTracker) isActiveEdge(c Connection, targetBlockID string, ctx *ExecutionContext) bool {
	source, ok := pt.byID[c.Source]
	if !ok {
		return false
	}
	switch source.Type {
	case BlockTypeRouter:
		if !ctx.IsExecuted(c.Source) {
			return false
		}
		target, ok := ctx.RouterDecision(c.Source)
		return ok && target == c.Target
	default:
		if condID, isCond := c.IsConditionHandle(); isCond {
			if !ctx.IsExecuted(c.Source) {
				return false
			}
			decided, ok := ctx.ConditionDecision(c.Source)
			return ok && decided == condID
		}
		return ctx.IsActive(c.Source) && ctx.IsExecuted(c.Source)
	}
}

// RouterOutput is the shape a router block's output must carry so
// UpdateExecutionPaths can read its decision.
type RouterOutput struct {
	SelectedPath struct {
		BlockID string
	}
}

// ConditionOutput is the shape a condition block's output must carry.
type ConditionOutput struct {
	SelectedConditionID string
}

// UpdateExecutionPaths processes the blocks that just executed in one layer
// (executedIDs, possibly virtual ids), extending ctx's active execution
// path according to each block's category.
func (pt *PathTracker) UpdateExecutionPaths(executedIDs []string, ctx *ExecutionContext) {
	for _, id := range executedIDs {
		pt.updateOne(id, ctx)
	}
}

func (pt *PathTracker) updateOne(id string, ctx *ExecutionContext) {
	original := pt.vbu.ExtractOriginalID(id)
	block, ok := pt.byID[original]
	if !ok {
		return
	}

	apply := func() { pt.dispatch(id, block, ctx) }

	if pt.vbu.IsVirtualID(id) {
		ctx.WithVirtualBlock(id, apply)
		return
	}
	apply()
}

func (pt *PathTracker) dispatch(id string, block Block, ctx *ExecutionContext) {
	state, executed := ctx.GetBlockState(id)
	if !executed {
		return
	}

	switch block.Type {
	case BlockTypeRouter:
		pt.updateRouter(id, block, state, ctx)
	case BlockTypeCondition:
		pt.updateCondition(id, block, state, ctx)
	case BlockTypeLoop:
		pt.updateLoop(id, block, ctx)
	default:
		pt.updateRegularOrParallel(id, block, state, ctx)
	}
}

func (pt *PathTracker) decisionKey(id string, ctx *ExecutionContext) string {
	if ctx.CurrentVirtualBlockID != "" {
		return ctx.CurrentVirtualBlockID
	}
	return id
}

func (pt *PathTracker) updateRouter(id string, block Block, state *BlockState, ctx *ExecutionContext) {
	out, ok := routerOutputOf(state.Output)
	if !ok || out.SelectedPath.BlockID == "" {
		return
	}
	key := pt.decisionKey(id, ctx)
	ctx.RecordRouterDecision(key, out.SelectedPath.BlockID)
	ctx.ActivatePath(out.SelectedPath.BlockID)

	if target, found := pt.byID[out.SelectedPath.BlockID]; found && pt.routing.CategoryOf(target.Type) == CategoryRegular {
		pt.activateSelectively(out.SelectedPath.BlockID, ctx)
	}
}

func (pt *PathTracker) updateCondition(id string, block Block, state *BlockState, ctx *ExecutionContext) {
	selected, ok := conditionOutputOf(state.Output)
	if !ok || selected == "" {
		return
	}
	key := pt.decisionKey(id, ctx)
	ctx.RecordConditionDecision(key, selected)

	wantHandle := HandleConditionPrefix + selected
	for _, c := range pt.conns.Outgoing(block.ID, pt.workflow.Connections) {
		if c.Handle() != wantHandle {
			continue
		}
		ctx.ActivatePath(c.Target)
		if target, found := pt.byID[c.Target]; found && pt.routing.CategoryOf(target.Type) == CategoryRegular {
			pt.activateSelectively(c.Target, ctx)
		}
	}
}

func (pt *PathTracker) updateLoop(id string, block Block, ctx *ExecutionContext) {
	for _, c := range pt.conns.Outgoing(block.ID, pt.workflow.Connections) {
		if c.Handle() == HandleLoopStartSource {
			ctx.ActivatePath(c.Target)
		}
	}
}

func (pt *PathTracker) updateRegularOrParallel(id string, block Block, state *BlockState, ctx *ExecutionContext) {
	vref, isVirtual := pt.vbu.Decode(id)

	for _, c := range pt.conns.Outgoing(block.ID, pt.workflow.Connections) {
		target, found := pt.byID[c.Target]
		if !found {
			continue
		}
		if pt.routing.ShouldSkipConnection(c.Handle(), target.Type) {
			continue
		}

		if sourceLoop, inLoop := pt.loopOf[block.ID]; inLoop {
			if targetLoop, targetInLoop := pt.loopOf[c.Target]; !targetInLoop || targetLoop != sourceLoop {
				if !ctx.CompletedLoops[sourceLoop] {
					continue
				}
			}
		}

		switch c.Handle() {
		case HandleError:
			if !state.HasError {
				continue
			}
		case HandleSource:
			if state.HasError {
				continue
			}
		}

		// A source block inside a parallel's interior activates the
		// same-iteration virtual id of any downstream interior block, not
		// the original id — the downstream block must run once per
		// iteration like everything else in the section, not once total.
		if isVirtual {
			if targetParallel, inParallel := pt.parallelOf[c.Target]; inParallel && targetParallel == vref.ParallelID {
				targetVID := pt.vbu.BuildVirtualID(c.Target, vref.ParallelID, vref.IterationIndex)
				ctx.ParallelBlockMapping[targetVID] = VirtualBlockRef{
					OriginalBlockID: c.Target,
					ParallelID:      vref.ParallelID,
					IterationIndex:  vref.IterationIndex,
				}
				ctx.ActivatePath(targetVID)
				continue
			}
		}

		ctx.ActivatePath(c.Target)
	}
}

// activateSelectively performs the selective downstream activation BFS:
// from targetID, follow outgoing edges that are not
// flow-control wiring, activating regular-category targets and stopping at
// routing/flow-control ones (they activate their own downstream on executing).
func (pt *PathTracker) activateSelectively(targetID string, ctx *ExecutionContext) {
	visited := make(map[string]bool)
	queue := []string{targetID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		currentBlock, ok := pt.byID[current]
		if !ok {
			continue
		}
		if pt.routing.ShouldSkipInSelectiveActivation(currentBlock.Type) && current != targetID {
			continue
		}

		for _, c := range pt.conns.Outgoing(current, pt.workflow.Connections) {
			target, found := pt.byID[c.Target]
			if !found {
				continue
			}
			if pt.routing.ShouldSkipConnection(c.Handle(), target.Type) {
				continue
			}
			ctx.ActivatePath(c.Target)
			if pt.routing.CategoryOf(target.Type) == CategoryRegular {
				queue = append(queue, c.Target)
			}
		}
	}
}

func routerOutputOf(output interface{}) (RouterOutput, bool) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return RouterOutput{}, false
	}
	sp, ok := m["selectedPath"].(map[string]interface{})
	if !ok {
		return RouterOutput{}, false
	}
	id, ok := sp["blockId"].(string)
	if !ok {
		return RouterOutput{}, false
	}
	var out RouterOutput
	out.SelectedPath.BlockID = id
	return out, true
}

func conditionOutputOf(output interface{}) (string, bool) {
	m, ok := output.(map[string]interface{})
	if !ok {
		return "", false
	}
	id, ok := m["selectedConditionId"].(string)
	return id, ok
}
