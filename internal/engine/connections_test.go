package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionUtils_IncomingOutgoing(t *testing.T) {
	conns := []Connection{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "b", Target: "c"},
	}
	var cu ConnectionUtils

	assert.ElementsMatch(t, []Connection{{Source: "a", Target: "b"}}, cu.Incoming("b", conns))
	assert.ElementsMatch(t, []Connection{{Source: "a", Target: "c"}, {Source: "b", Target: "c"}}, cu.Incoming("c", conns))
	assert.ElementsMatch(t, []Connection{{Source: "a", Target: "b"}, {Source: "a", Target: "c"}}, cu.Outgoing("a", conns))
	assert.Empty(t, cu.Outgoing("c", conns))
}

func TestConnectionUtils_InternalAndEntryPoint(t *testing.T) {
	conns := []Connection{
		{Source: "loop", Target: "in"},
		{Source: "in", Target: "mid"},
		{Source: "mid", Target: "in"},
	}
	scope := map[string]bool{"in": true, "mid": true}
	var cu ConnectionUtils

	assert.True(t, cu.HasExternalIncoming("in", scope, conns))
	assert.False(t, cu.IsEntryPoint("in", scope, conns), "the mid->in feedback edge is an internal incoming edge")
	assert.False(t, cu.IsEntryPoint("mid", scope, conns))

	internal := cu.Internal("in", scope, conns)
	assert.Len(t, internal, 1)
	assert.Equal(t, "mid", internal[0].Source)
}
