package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loopWorkflow(iterations int) *Workflow {
	return &Workflow{
		ID: "wf-loop",
		Blocks: []Block{
			{ID: "start", Type: BlockTypeStarter, Enabled: true, IsTrigger: true},
			{ID: "loop", Type: BlockTypeLoop, Enabled: true},
			{ID: "body", Type: BlockType("http"), Enabled: true},
			{ID: "after", Type: BlockType("http"), Enabled: true},
		},
		Connections: []Connection{
			{Source: "start", Target: "loop"},
			{Source: "loop", Target: "body", SourceHandle: HandleLoopStartSource},
			{Source: "body", Target: "loop"},
			{Source: "loop", Target: "after", SourceHandle: HandleLoopEndSource},
		},
		Loops: map[string]LoopSpec{
			"loop": {ID: "loop", Nodes: []string{"body"}, Iterations: iterations, LoopType: LoopTypeFor},
		},
		Parallels: map[string]ParallelSpec{},
	}
}

func TestLoopManager_AdvancesThenCompletes(t *testing.T) {
	wf := loopWorkflow(2)
	lm := NewLoopManager(wf, nil)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	ctx.SetBlockState("loop", &BlockState{Executed: true})
	ctx.SetBlockState("body", &BlockState{Output: "iter-0", Executed: true})

	require.NoError(t, lm.ProcessLoopIterations(context.Background(), ctx))
	assert.False(t, ctx.CompletedLoops["loop"])
	assert.Equal(t, 2, ctx.LoopIterations["loop"])
	assert.False(t, ctx.IsExecuted("body"), "interior should be reset for the next iteration")
	assert.True(t, ctx.IsActive("loop"), "loop block should be re-activated to re-enter")

	ctx.SetBlockState("loop", &BlockState{Executed: true})
	ctx.SetBlockState("body", &BlockState{Output: "iter-1", Executed: true})

	require.NoError(t, lm.ProcessLoopIterations(context.Background(), ctx))
	assert.True(t, ctx.CompletedLoops["loop"])
	assert.True(t, ctx.IsActive("after"), "loop-end-source target should activate on completion")

	final, ok := ctx.GetBlockState("loop")
	require.True(t, ok)
	output, ok := final.Output.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 2, output["maxIterations"])
	assert.Equal(t, true, output["completed"])
}

func TestLoopManager_DefaultForIterations(t *testing.T) {
	wf := loopWorkflow(0)
	lm := NewLoopManager(wf, nil)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	n, err := lm.maxIterations("loop", wf.Loops["loop"], ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultForIterations, n)
}

func TestLoopManager_ForEachResolvesLooseJSONString(t *testing.T) {
	wf := loopWorkflow(0)
	wf.Loops["loop"] = LoopSpec{ID: "loop", Nodes: []string{"body"}, LoopType: LoopTypeForEach, ForEachItems: "['a', 'b', 'c']"}
	lm := NewLoopManager(wf, nil)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	n, err := lm.maxIterations("loop", wf.Loops["loop"], ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items, ok := ctx.LoopItems["loop_items"]
	require.True(t, ok)
	assert.Len(t, items.([]interface{}), 3)
}

func TestLoopManager_ForEachWithUnresolvableItemsCompletesInsteadOfErroring(t *testing.T) {
	wf := loopWorkflow(0)
	wf.Loops["loop"] = LoopSpec{ID: "loop", Nodes: []string{"body"}, LoopType: LoopTypeForEach, ForEachItems: "not valid json and not an expression either {{{"}
	lm := NewLoopManager(wf, nil)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	n, err := lm.maxIterations("loop", wf.Loops["loop"], ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	items, ok := ctx.LoopItems["loop_items"]
	require.True(t, ok)
	assert.Empty(t, items)

	ctx.SetBlockState("loop", &BlockState{Executed: true})
	ctx.SetBlockState("body", &BlockState{Executed: true})

	require.NoError(t, lm.ProcessLoopIterations(context.Background(), ctx))
	assert.True(t, ctx.CompletedLoops["loop"], "completion must not be blocked by the resolution failure")
}

func TestLoopManager_StoreIterationResult_AccumulatesOnRepeat(t *testing.T) {
	wf := loopWorkflow(3)
	lm := NewLoopManager(wf, nil)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	lm.storeIterationResult(ctx, "loop", 0, "first")
	run := ctx.LoopExecutions["loop"]
	require.NotNil(t, run)
	assert.Equal(t, "first", run.ExecutionResults["iteration_0"])

	lm.storeIterationResult(ctx, "loop", 0, "second")
	assert.Equal(t, []interface{}{"first", "second"}, run.ExecutionResults["iteration_0"])

	lm.storeIterationResult(ctx, "loop", 0, "third")
	assert.Equal(t, []interface{}{"first", "second", "third"}, run.ExecutionResults["iteration_0"])
}

func TestNormalizeLooseJSON(t *testing.T) {
	out := normalizeLooseJSON(`{name: 'bob', tags: ['a', 'b']}`)
	assert.JSONEq(t, `{"name":"bob","tags":["a","b"]}`, out)
}
