package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverWorkflow() *Workflow {
	return &Workflow{
		ID: "wf-resolver",
		Blocks: []Block{
			{ID: "start", Type: BlockTypeStarter, Name: "Start", Enabled: true, IsTrigger: true},
			{ID: "fetch", Type: BlockType("http"), Name: "Fetch Data", Enabled: true},
			{ID: "disabled", Type: BlockType("http"), Name: "Disabled Block", Enabled: false},
			{ID: "consumer", Type: BlockType("http"), Name: "Consumer", Enabled: true},
		},
		Connections: []Connection{
			{Source: "start", Target: "fetch"},
			{Source: "fetch", Target: "consumer"},
			{Source: "disabled", Target: "consumer"},
		},
	}
}

func newTestResolver(wf *Workflow) *InputResolver {
	return NewInputResolver(wf, nil)
}

func TestInputResolver_ResolvesBlockReferenceByID(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: map[string]interface{}{"count": float64(3)}, Executed: true})

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"total": "<fetch.count>"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), resolved["total"])
}

func TestInputResolver_ResolvesBlockReferenceByName(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: "payload", Executed: true})

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"value": "<Fetch Data>"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "payload", resolved["value"])
}

func TestInputResolver_DisabledBlockReferenceErrors(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"value": "<disabled>"}

	_, err := r.ResolveParams(consumer, ctx, nil)
	assert.Error(t, err)
}

func TestInputResolver_InaccessibleBlockLeftLiteral(t *testing.T) {
	wf := resolverWorkflow()
	// add an unrelated block with no connection to "consumer"
	wf.Blocks = append(wf.Blocks, Block{ID: "stray", Type: BlockType("http"), Name: "Stray", Enabled: true})
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("stray", &BlockState{Output: "secret", Executed: true})

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"value": "<stray>"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "<stray>", resolved["value"])
}

func TestInputResolver_EnvironmentVariable(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, map[string]string{"API_KEY": "secret-123"}, nil)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"key": "{{API_KEY}}"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "secret-123", resolved["key"])
}

func TestInputResolver_MissingEnvironmentVariableErrors(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"key": "{{MISSING}}"}

	_, err := r.ResolveParams(consumer, ctx, nil)
	assert.Error(t, err)
}

func TestInputResolver_WorkflowVariable(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	vars := map[string]WorkflowVariable{"greeting": {Name: "greeting", Type: WorkflowVarString, Value: "hello"}}
	ctx := NewExecutionContext(wf.ID, nil, vars)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"value": "<variable.greeting>"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", resolved["value"])
}

func TestInputResolver_BracketPathNavigation(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{
		Output: map[string]interface{}{
			"matrix": []interface{}{
				[]interface{}{float64(1), float64(2)},
				[]interface{}{float64(3), float64(4)},
			},
		},
		Executed: true,
	})

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"cell": "<fetch.matrix[1][0]>"}

	resolved, err := r.ResolveParams(consumer, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), resolved["cell"])
}

func TestInputResolver_InvalidPathErrors(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: map[string]interface{}{"count": float64(1)}, Executed: true})

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"value": "<fetch.missing.path>"}

	_, err := r.ResolveParams(consumer, ctx, nil)
	assert.Error(t, err)
}

func TestInputResolver_TypeCoercionViaSchema(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"count": "42", "enabled": "true"}

	schema := []ParamSchemaEntry{
		{ID: "count", Type: "number"},
		{ID: "enabled", Type: "boolean"},
	}
	resolved, err := r.ResolveParams(consumer, ctx, schema)
	require.NoError(t, err)
	assert.Equal(t, float64(42), resolved["count"])
	assert.Equal(t, true, resolved["enabled"])
}

func TestInputResolver_ConditionalSchemaFiltering(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)

	consumer, _ := wf.BlockByID("consumer")
	consumer.Config = map[string]interface{}{"mode": "advanced", "advancedOption": "on"}

	schema := []ParamSchemaEntry{
		{ID: "advancedOption", Condition: &ParamCondition{Field: "mode", Value: "advanced"}},
	}
	resolved, err := r.ResolveParams(consumer, ctx, schema)
	require.NoError(t, err)
	assert.Equal(t, "on", resolved["advancedOption"])

	consumer.Config["mode"] = "simple"
	resolved, err = r.ResolveParams(consumer, ctx, schema)
	require.NoError(t, err)
	_, present := resolved["advancedOption"]
	assert.False(t, present)
}

func TestInputResolver_FunctionBlockQuotesStringLiteral(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: "a\"b", Executed: true})

	fn := Block{ID: "fn", Type: BlockTypeFunction, Name: "Fn", Enabled: true, Config: map[string]interface{}{
		"code": "return <fetch>;",
	}}

	resolved, err := r.ResolveParams(fn, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, `return "a\"b";`, resolved["code"])
}

func TestInputResolver_FunctionBlockTemplateLiteralLeavesStringUnquoted(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: "Bob", Executed: true})

	fn := Block{ID: "fn", Type: BlockTypeFunction, Name: "Fn", Enabled: true, Config: map[string]interface{}{
		"code": "return `hello ${<fetch>}`;",
	}}

	resolved, err := r.ResolveParams(fn, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "return `hello ${Bob}`;", resolved["code"])
}

func TestInputResolver_ConditionBlockEscapesAndQuotes(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: "line1\nline2", Executed: true})

	cond := Block{ID: "cond", Type: BlockTypeCondition, Name: "Cond", Enabled: true, Config: map[string]interface{}{
		"expression": "<fetch> == \"x\"",
	}}

	resolved, err := r.ResolveParams(cond, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, `"line1\nline2" == "x"`, resolved["expression"])
}

func TestInputResolver_ResponseBlockJSONEscapesEmbeddedString(t *testing.T) {
	wf := resolverWorkflow()
	r := newTestResolver(wf)
	ctx := NewExecutionContext(wf.ID, nil, nil)
	ctx.SetBlockState("fetch", &BlockState{Output: "quote\"here", Executed: true})

	resp := Block{ID: "resp", Type: BlockTypeResponse, Name: "Resp", Enabled: true, Config: map[string]interface{}{
		"body": `{"message": "<fetch>"}`,
	}}

	resolved, err := r.ResolveParams(resp, ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"message": "quote\"here"}`, resolved["body"])
}

func TestToGJSONPath(t *testing.T) {
	assert.Equal(t, "matrix.1.2", toGJSONPath("matrix[1][2]"))
	assert.Equal(t, "data.rows.0.1", toGJSONPath("data.rows[0][1]"))
	assert.Equal(t, "plain.path", toGJSONPath("plain.path"))
}

func TestAssembleDocument(t *testing.T) {
	doc, err := AssembleDocument(nil, "a.b", "value")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"b":"value"}}`, string(doc))
}
