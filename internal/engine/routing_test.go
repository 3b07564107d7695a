package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouting_CategoryOf(t *testing.T) {
	var r Routing
	assert.Equal(t, CategoryRouting, r.CategoryOf(BlockTypeRouter))
	assert.Equal(t, CategoryRouting, r.CategoryOf(BlockTypeCondition))
	assert.Equal(t, CategoryFlowControl, r.CategoryOf(BlockTypeLoop))
	assert.Equal(t, CategoryFlowControl, r.CategoryOf(BlockTypeParallel))
	assert.Equal(t, CategoryFlowControl, r.CategoryOf(BlockTypeWorkflow))
	assert.Equal(t, CategoryRegular, r.CategoryOf(BlockType("http")))
}

func TestRouting_RequiresActivePathCheck(t *testing.T) {
	var r Routing
	assert.True(t, r.RequiresActivePathCheck(BlockTypeLoop))
	assert.False(t, r.RequiresActivePathCheck(BlockTypeRouter))
	assert.False(t, r.RequiresActivePathCheck(BlockType("http")))
}

func TestRouting_ShouldSkipInSelectiveActivation(t *testing.T) {
	var r Routing
	assert.True(t, r.ShouldSkipInSelectiveActivation(BlockTypeRouter))
	assert.True(t, r.ShouldSkipInSelectiveActivation(BlockTypeLoop))
	assert.False(t, r.ShouldSkipInSelectiveActivation(BlockType("http")))
}

func TestRouting_ShouldActivateDownstream(t *testing.T) {
	var r Routing
	assert.True(t, r.ShouldActivateDownstream(BlockType("http")))
	assert.False(t, r.ShouldActivateDownstream(BlockTypeRouter))
	assert.False(t, r.ShouldActivateDownstream(BlockTypeParallel))
}

func TestRouting_ShouldSkipConnection(t *testing.T) {
	var r Routing
	assert.True(t, r.ShouldSkipConnection(HandleParallelStart, BlockType("http")))
	assert.True(t, r.ShouldSkipConnection(HandleParallelEndSource, BlockType("http")))
	assert.True(t, r.ShouldSkipConnection(HandleLoopStartSource, BlockType("http")))
	assert.True(t, r.ShouldSkipConnection(HandleLoopEndSource, BlockType("http")))
	assert.True(t, r.ShouldSkipConnection("condition-abc", BlockType("http")))
	assert.False(t, r.ShouldSkipConnection(HandleSource, BlockType("http")))
	assert.False(t, r.ShouldSkipConnection(HandleError, BlockType("http")))
	assert.False(t, r.ShouldSkipConnection("", BlockType("http")))
}
