package engine

import (
	"context"
	"fmt"

	"github.com/gorax/flowengine/internal/expression"
	"github.com/gorax/flowengine/internal/metrics"
	"github.com/gorax/flowengine/internal/tracing"
)

// ParallelManager is the peer of LoopManager: it fans a parallel block's
// interior out into per-iteration virtual blocks, and later aggregates
// their settled state back into the parallel block's own output.
type ParallelManager struct {
	workflow  *Workflow
	conns     ConnectionUtils
	vbu       VirtualBlockUtils
	evaluator *expression.Evaluator
	collector *metrics.Metrics
}

// NewParallelManager constructs a ParallelManager bound to a workflow definition.
func NewParallelManager(wf *Workflow, evaluator *expression.Evaluator) *ParallelManager {
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	return &ParallelManager{workflow: wf, evaluator: evaluator}
}

// SetCollector attaches the Prometheus collector recording activated parallel
// branches. A nil collector (the default) disables parallel-branch metrics.
func (pm *ParallelManager) SetCollector(collector *metrics.Metrics) {
	pm.collector = collector
}

// ActivateParallel evaluates the parallel's distribution, records the
// iteration count and per-iteration items, and activates a virtual block id
// for every (entry node, iteration) pair in the parallel's interior; the
// other interior nodes are activated per iteration by PathTracker as their
// upstream interior blocks execute. Called once,
// when the parallel block itself executes. A parallel block's interior is
// never activated unless the parallel block itself is in the active path —
// callers must have already confirmed that via PathTracker.IsInActivePath.
func (pm *ParallelManager) ActivateParallel(goCtx context.Context, parallelID string, ctx *ExecutionContext) error {
	spec, ok := pm.workflow.Parallels[parallelID]
	if !ok {
		return NewInvariantError(fmt.Errorf("no parallel spec for %q", parallelID), parallelID)
	}

	items, err := resolveCollectionExpr(spec.Distribution, pm.evaluator, ctx)
	if err != nil {
		return NewResolutionError(err, parallelID, BlockTypeParallel)
	}

	list := toIterationList(items)
	ctx.LoopItems[pm.vbu.CollectionItemsKey(parallelID)] = items
	ctx.LoopIterations[parallelID] = len(list)

	entryNodes := pm.entryNodes(parallelID, spec)

	for i, item := range list {
		ctx.LoopItems[pm.vbu.ParallelIterationItemsKey(parallelID, i)] = item
		_, traceErr := tracing.TraceParallelBranch(goCtx, parallelID, i, func(context.Context) (interface{}, error) {
			for _, node := range entryNodes {
				vid := pm.vbu.BuildVirtualID(node, parallelID, i)
				ctx.ParallelBlockMapping[vid] = VirtualBlockRef{OriginalBlockID: node, ParallelID: parallelID, IterationIndex: i}
				ctx.ActivatePath(vid)
			}
			if pm.collector != nil {
				pm.collector.RecordParallelBranch(pm.workflow.ID, parallelID)
			}
			return nil, nil
		})
		if traceErr != nil {
			return traceErr
		}
	}

	if len(list) == 0 {
		return pm.complete(parallelID, spec, ctx)
	}
	return nil
}

func toIterationList(items interface{}) []interface{} {
	switch t := items.(type) {
	case []interface{}:
		return t
	case map[string]interface{}:
		out := make([]interface{}, 0, len(t))
		for _, v := range t {
			out = append(out, v)
		}
		return out
	default:
		return nil
	}
}

// entryNodes returns the parallel's interior nodes that have no internal
// incoming edge — the nodes a fresh iteration starts at.
func (pm *ParallelManager) entryNodes(parallelID string, spec ParallelSpec) []string {
	scope := make(map[string]bool, len(spec.Nodes))
	for _, n := range spec.Nodes {
		scope[n] = true
	}
	var entries []string
	for _, n := range spec.Nodes {
		if pm.conns.IsEntryPoint(n, scope, pm.workflow.Connections) || len(pm.conns.Internal(n, scope, pm.workflow.Connections)) == 0 {
			entries = append(entries, n)
		}
	}
	return entries
}

// ProcessParallelCompletions checks every parallel whose iterations have
// all been activated, and finalizes any whose interior virtual blocks have
// all settled.
func (pm *ParallelManager) ProcessParallelCompletions(ctx *ExecutionContext) error {
	for parallelID, spec := range pm.workflow.Parallels {
		if ctx.CompletedLoops[parallelID] {
			continue
		}
		n, started := ctx.LoopIterations[parallelID]
		if !started {
			continue
		}
		if !pm.allIterationsExecuted(parallelID, spec, n, ctx) {
			continue
		}
		if err := pm.complete(parallelID, spec, ctx); err != nil {
			return err
		}
	}
	return nil
}

func (pm *ParallelManager) allIterationsExecuted(parallelID string, spec ParallelSpec, n int, ctx *ExecutionContext) bool {
	for i := 0; i < n; i++ {
		for _, node := range spec.Nodes {
			vid := pm.vbu.BuildVirtualID(node, parallelID, i)
			if !ctx.IsActive(vid) {
				continue
			}
			if !ctx.IsExecuted(vid) {
				return false
			}
		}
	}
	return true
}

// complete aggregates every iteration's per-node outputs into the parallel
// block's own final state and activates parallel-end-source edges.
func (pm *ParallelManager) complete(parallelID string, spec ParallelSpec, ctx *ExecutionContext) error {
	ctx.CompletedLoops[parallelID] = true

	n := ctx.LoopIterations[parallelID]
	branches := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		branchOutput := make(map[string]interface{}, len(spec.Nodes))
		for _, node := range spec.Nodes {
			vid := pm.vbu.BuildVirtualID(node, parallelID, i)
			if state, ok := ctx.GetBlockState(vid); ok {
				branchOutput[node] = state.Output
			}
		}
		branches = append(branches, branchOutput)
	}

	output := map[string]interface{}{
		"parallelId":  parallelID,
		"branchCount": n,
		"branches":    branches,
		"completed":   true,
	}
	ctx.SetBlockState(parallelID, &BlockState{Output: output, Executed: true})

	for _, c := range pm.conns.Outgoing(parallelID, pm.workflow.Connections) {
		if c.Handle() == HandleParallelEndSource {
			ctx.ActivatePath(c.Target)
		}
	}
	return nil
}
