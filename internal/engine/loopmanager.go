package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorax/flowengine/internal/expression"
	"github.com/gorax/flowengine/internal/metrics"
	"github.com/gorax/flowengine/internal/tracing"
)

// DefaultForIterations is the fallback iteration count for a "for" loop
// whose spec omits Iterations.
const DefaultForIterations = 5

// LoopManager drives the per-loop state machine: iteration completion
// detection, interior reset between iterations, and aggregation/completion
// once the iteration cap is reached.
type LoopManager struct {
	workflow  *Workflow
	conns     ConnectionUtils
	routing   Routing
	evaluator *expression.Evaluator
	collector *metrics.Metrics
}

// NewLoopManager constructs a LoopManager bound to a workflow definition.
func NewLoopManager(wf *Workflow, evaluator *expression.Evaluator) *LoopManager {
	if evaluator == nil {
		evaluator = expression.NewEvaluator()
	}
	return &LoopManager{workflow: wf, evaluator: evaluator}
}

// SetCollector attaches the Prometheus collector recording completed loop
// iterations. A nil collector (the default) disables loop-iteration metrics.
func (lm *LoopManager) SetCollector(collector *metrics.Metrics) {
	lm.collector = collector
}

// ProcessLoopIterations advances every loop currently underway: for each
// loop block that has executed and is not completed, checks whether its
// interior has finished the current iteration, and either resets for the
// next iteration or finalizes the loop.
func (lm *LoopManager) ProcessLoopIterations(goCtx context.Context, ctx *ExecutionContext) error {
	for loopID, spec := range lm.workflow.Loops {
		if ctx.CompletedLoops[loopID] {
			continue
		}
		if !ctx.IsActive(loopID) && !ctx.IsExecuted(loopID) {
			continue
		}
		if !ctx.IsExecuted(loopID) {
			continue
		}
		if n, err := lm.maxIterations(loopID, spec, ctx); err == nil && n == 0 {
			// Nothing to iterate: take the interior off the active path before
			// it runs and finish the loop on this first check.
			for _, node := range spec.Nodes {
				ctx.ResetBlock(node)
			}
			lm.complete(loopID, spec, 0, ctx)
			continue
		}
		if !lm.allReachableBlocksExecuted(loopID, spec, ctx) {
			continue
		}
		if err := lm.advanceOrComplete(goCtx, loopID, spec, ctx); err != nil {
			return err
		}
	}
	return nil
}

// allReachableBlocksExecuted detects iteration completion: forward traversal
// of the loop's interior subgraph, following
// only the decision-selected edge at routing blocks, honoring the
// error/source handle convention at regular blocks, and requiring every
// node reached to have executed.
func (lm *LoopManager) allReachableBlocksExecuted(loopID string, spec LoopSpec, ctx *ExecutionContext) bool {
	scope := make(map[string]bool, len(spec.Nodes))
	for _, n := range spec.Nodes {
		scope[n] = true
	}

	entry := lm.entryNode(loopID, spec, ctx)
	if entry == "" {
		return true
	}

	visited := make(map[string]bool)
	queue := []string{entry}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		if !ctx.IsExecuted(current) {
			return false
		}

		block, ok := lm.workflow.BlockByID(current)
		if !ok {
			continue
		}
		state, _ := ctx.GetBlockState(current)

		for _, next := range lm.followInterior(block, state, scope, ctx) {
			if !visited[next] {
				queue = append(queue, next)
			}
		}
	}
	return true
}

func (lm *LoopManager) entryNode(loopID string, spec LoopSpec, ctx *ExecutionContext) string {
	for _, c := range lm.conns.Outgoing(loopID, lm.workflow.Connections) {
		if c.Handle() == HandleLoopStartSource {
			return c.Target
		}
	}
	if len(spec.Nodes) > 0 {
		return spec.Nodes[0]
	}
	return ""
}

func (lm *LoopManager) followInterior(block Block, state *BlockState, scope map[string]bool, ctx *ExecutionContext) []string {
	var next []string
	switch block.Type {
	case BlockTypeRouter:
		target, ok := ctx.RouterDecision(block.ID)
		if ok && scope[target] {
			next = append(next, target)
		}
	case BlockTypeCondition:
		selected, ok := ctx.ConditionDecision(block.ID)
		if !ok {
			return nil
		}
		want := HandleConditionPrefix + selected
		for _, c := range lm.conns.Outgoing(block.ID, lm.workflow.Connections) {
			if c.Handle() == want && scope[c.Target] {
				next = append(next, c.Target)
			}
		}
	default:
		hasError := state != nil && state.HasError
		for _, c := range lm.conns.Outgoing(block.ID, lm.workflow.Connections) {
			if !scope[c.Target] {
				continue
			}
			switch c.Handle() {
			case HandleError:
				if hasError {
					next = append(next, c.Target)
				}
			case HandleSource:
				if !hasError {
					next = append(next, c.Target)
				}
			default:
				next = append(next, c.Target)
			}
		}
	}
	return next
}

func (lm *LoopManager) advanceOrComplete(goCtx context.Context, loopID string, spec LoopSpec, ctx *ExecutionContext) error {
	maxIterations, err := lm.maxIterations(loopID, spec, ctx)
	if err != nil {
		return NewInvariantError(err, loopID)
	}

	current := ctx.LoopIterations[loopID]
	if current == 0 {
		current = 1
		ctx.LoopIterations[loopID] = 1
	}

	_, err = tracing.TraceLoopIteration(goCtx, loopID, current-1, func(context.Context) (interface{}, error) {
		iterationOutput := lm.collectIterationOutput(loopID, spec, ctx)
		lm.storeIterationResult(ctx, loopID, current-1, iterationOutput)
		if lm.collector != nil {
			lm.collector.RecordLoopIteration(lm.workflow.ID, loopID)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if maxIterations == 0 || current >= maxIterations {
		lm.complete(loopID, spec, maxIterations, ctx)
		return nil
	}

	lm.resetInterior(loopID, spec, ctx)
	ctx.LoopIterations[loopID] = current + 1
	return nil
}

func (lm *LoopManager) collectIterationOutput(loopID string, spec LoopSpec, ctx *ExecutionContext) interface{} {
	out := make(map[string]interface{}, len(spec.Nodes))
	for _, n := range spec.Nodes {
		if state, ok := ctx.GetBlockState(n); ok {
			out[n] = state.Output
		}
	}
	return out
}

// resetInterior clears every interior block's executed/state/active-path
// entries (and the loop block itself) so the next iteration can re-enter.
func (lm *LoopManager) resetInterior(loopID string, spec LoopSpec, ctx *ExecutionContext) {
	for _, n := range spec.Nodes {
		ctx.ResetBlock(n)
	}
	ctx.ResetBlock(loopID)
	ctx.ActivatePath(loopID)
}

// complete marks the loop finished, assembles its final output, and
// activates every loop-end-source edge.
func (lm *LoopManager) complete(loopID string, spec LoopSpec, maxIterations int, ctx *ExecutionContext) {
	ctx.CompletedLoops[loopID] = true

	run := ctx.LoopExecutions[loopID]
	results := make([]interface{}, 0, maxIterations)
	if run != nil {
		for i := 0; i < maxIterations; i++ {
			results = append(results, run.ExecutionResults[fmt.Sprintf("iteration_%d", i)])
		}
	}

	output := map[string]interface{}{
		"loopId":          loopID,
		"currentIteration": maxIterations - 1,
		"maxIterations":   maxIterations,
		"loopType":        spec.LoopType,
		"completed":       true,
		"results":         results,
		"message":         fmt.Sprintf("loop %s completed after %d iterations", loopID, maxIterations),
	}
	ctx.SetBlockState(loopID, &BlockState{Output: output, Executed: true})

	for _, c := range lm.conns.Outgoing(loopID, lm.workflow.Connections) {
		if c.Handle() == HandleLoopEndSource {
			ctx.ActivatePath(c.Target)
		}
	}
}

// storeIterationResult records one iteration's output: scalar/object results
// accumulate into a list once a second value for the same iteration index
// arrives.
func (lm *LoopManager) storeIterationResult(ctx *ExecutionContext, loopID string, iterIdx int, output interface{}) {
	run, ok := ctx.LoopExecutions[loopID]
	if !ok {
		spec := lm.workflow.Loops[loopID]
		run = &LoopRunState{
			LoopType:         spec.LoopType,
			ForEachItems:     spec.ForEachItems,
			ExecutionResults: make(map[string]interface{}),
		}
		ctx.LoopExecutions[loopID] = run
	}

	key := fmt.Sprintf("iteration_%d", iterIdx)
	existing, present := run.ExecutionResults[key]
	switch {
	case !present:
		run.ExecutionResults[key] = output
	default:
		if arr, isArr := existing.([]interface{}); isArr {
			run.ExecutionResults[key] = append(arr, output)
		} else {
			run.ExecutionResults[key] = []interface{}{existing, output}
		}
	}
}

// maxIterations determines how many times a loop runs: a fixed count for a
// "for" loop, or the resolved collection's length for a "forEach" loop.
func (lm *LoopManager) maxIterations(loopID string, spec LoopSpec, ctx *ExecutionContext) (int, error) {
	if spec.LoopType == LoopTypeFor {
		if spec.Iterations > 0 {
			return spec.Iterations, nil
		}
		return DefaultForIterations, nil
	}

	itemsKey := VirtualBlockUtils{}.CollectionItemsKey(loopID)
	if stored, ok := ctx.LoopItems[itemsKey]; ok {
		return collectionLength(stored), nil
	}

	items, err := lm.resolveForEachItems(spec.ForEachItems, ctx)
	if err != nil {
		// An unresolvable forEachItems must not crash the run: fall back to
		// an empty collection, which completes the loop immediately with no
		// interior execution (Open Question 1).
		ctx.LoopItems[itemsKey] = []interface{}{}
		return 0, nil
	}
	ctx.LoopItems[itemsKey] = items
	return collectionLength(items), nil
}

// resolveForEachItems implements the three-step forEachItems resolution
// shared with ParallelManager's distribution resolution.
func (lm *LoopManager) resolveForEachItems(raw interface{}, ctx *ExecutionContext) (interface{}, error) {
	return resolveCollectionExpr(raw, lm.evaluator, ctx)
}

func collectionLength(v interface{}) int {
	switch t := v.(type) {
	case []interface{}:
		return len(t)
	case map[string]interface{}:
		return len(t)
	default:
		return 0
	}
}

// resolveCollectionExpr resolves a forEachItems/distribution value per the
// shared three-step rule: pass through a literal collection, JSON-parse a
// normalized array/object literal string, or evaluate it as an expression.
func resolveCollectionExpr(raw interface{}, evaluator *expression.Evaluator, ctx *ExecutionContext) (interface{}, error) {
	switch t := raw.(type) {
	case []interface{}, map[string]interface{}:
		return t, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
			normalized := normalizeLooseJSON(trimmed)
			var parsed interface{}
			if err := json.Unmarshal([]byte(normalized), &parsed); err == nil {
				return parsed, nil
			}
		}
		evalCtx := map[string]interface{}{
			"variables":   ctx.WorkflowVariables,
			"environment": ctx.EnvironmentVariables,
		}
		result, err := evaluator.Evaluate(t, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("could not resolve collection expression %q: %w", t, err)
		}
		switch result.(type) {
		case []interface{}, map[string]interface{}:
			return result, nil
		default:
			return nil, fmt.Errorf("expression %q did not yield a collection", t)
		}
	default:
		return nil, fmt.Errorf("forEachItems/distribution must be a collection or expression string, got %T", raw)
	}
}

// normalizeLooseJSON converts a JS-object-literal-flavored string (single
// quotes, bare keys) into valid JSON, best-effort.
func normalizeLooseJSON(s string) string {
	var b strings.Builder
	inString := false
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			b.WriteByte(c)
			if c == quote && (i == 0 || s[i-1] != '\\') {
				inString = false
			}
		case c == '\'':
			inString = true
			quote = '\''
			b.WriteByte('"')
		case c == '"':
			inString = true
			quote = '"'
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return quoteBareKeys(b.String())
}

// quoteBareKeys is a best-effort pass that wraps unquoted object keys
// ("key:" -> "\"key\":") outside of string literals.
func quoteBareKeys(s string) string {
	var out strings.Builder
	inString := false
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '"' {
			inString = !inString
			out.WriteByte(c)
			i++
			continue
		}
		if !inString && (c == '{' || c == ',') {
			out.WriteByte(c)
			i++
			for i < len(s) && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t') {
				out.WriteByte(s[i])
				i++
			}
			start := i
			for i < len(s) && isBareKeyChar(s[i]) {
				i++
			}
			if i > start && i < len(s) && s[i] == ':' {
				out.WriteByte('"')
				out.WriteString(s[start:i])
				out.WriteByte('"')
			} else {
				out.WriteString(s[start:i])
			}
			continue
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

func isBareKeyChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
