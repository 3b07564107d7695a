package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerRegistry_ResolvesFirstMatch(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register(HandlerFunc{
		BlockType: BlockType("http"),
		Fn: func(ctx context.Context, block Block, resolved map[string]interface{}, execCtx *ExecutionContext) (Result, error) {
			return Result{Output: "http-result"}, nil
		},
	})

	h, err := reg.Resolve(BlockType("http"))
	require.NoError(t, err)

	result, err := h.Execute(context.Background(), Block{ID: "b1", Type: BlockType("http")}, nil, NewExecutionContext("wf", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "http-result", result.Output)
}

func TestHandlerRegistry_UnknownTypeErrors(t *testing.T) {
	reg := NewHandlerRegistry()
	_, err := reg.Resolve(BlockType("unregistered"))
	assert.Error(t, err)
}

func TestHandlerRegistry_ErrorResultCarriesMessage(t *testing.T) {
	reg := NewHandlerRegistry()
	reg.Register(HandlerFunc{
		BlockType: BlockType("http"),
		Fn: func(ctx context.Context, block Block, resolved map[string]interface{}, execCtx *ExecutionContext) (Result, error) {
			return Result{Error: "upstream returned 500"}, nil
		},
	})

	h, _ := reg.Resolve(BlockType("http"))
	result, err := h.Execute(context.Background(), Block{ID: "b1", Type: BlockType("http")}, nil, NewExecutionContext("wf", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "upstream returned 500", result.Error)
}
