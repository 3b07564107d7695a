package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunError_FatalCategories(t *testing.T) {
	assert.True(t, NewValidationError(errors.New("bad workflow")).IsFatal())
	assert.True(t, NewCancellationError(nil).IsFatal())
	assert.True(t, NewInvariantError(errors.New("broken"), "b1").IsFatal())
	assert.False(t, NewResolutionError(errors.New("missing"), "b1", BlockType("http")).IsFatal())
	assert.False(t, NewHandlerError(errors.New("boom"), "b1", BlockType("http")).IsFatal())
}

func TestRunError_ErrorMessage(t *testing.T) {
	err := NewHandlerError(errors.New("boom"), "b1", BlockType("http"))
	assert.Contains(t, err.Error(), "b1")
	assert.Contains(t, err.Error(), "http")
	assert.Contains(t, err.Error(), "boom")

	plain := NewValidationError(errors.New("bad workflow"))
	assert.NotContains(t, plain.Error(), "block")
}

func TestRunError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := NewResolutionError(inner, "b1", BlockType("http"))
	assert.ErrorIs(t, err, inner)
}

func TestAsRunErrorAndCategoryOf(t *testing.T) {
	err := NewHandlerError(errors.New("boom"), "b1", BlockType("http"))

	re, ok := AsRunError(err)
	assert.True(t, ok)
	assert.Equal(t, ErrorCategoryHandler, re.Category)
	assert.Equal(t, ErrorCategoryHandler, CategoryOf(err))

	_, ok = AsRunError(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, ErrorCategoryUnknown, CategoryOf(errors.New("plain")))
}

func TestNewCancellationError_DefaultsToContextCanceled(t *testing.T) {
	err := NewCancellationError(nil)
	assert.ErrorContains(t, err, "context canceled")
}
