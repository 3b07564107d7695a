package engine

// ConnectionUtils implements the workflow graph's pure, stateless connection queries.
// It carries no state of its own; every method takes the connection list it
// operates over so it can be reused against a loop/parallel's interior
// subgraph as well as the whole workflow.
type ConnectionUtils struct{}

// Incoming returns every connection whose target is node.
func (ConnectionUtils) Incoming(node string, conns []Connection) []Connection {
	var out []Connection
	for _, c := range conns {
		if c.Target == node {
			out = append(out, c)
		}
	}
	return out
}

// Outgoing returns every connection whose source is node.
func (ConnectionUtils) Outgoing(node string, conns []Connection) []Connection {
	var out []Connection
	for _, c := range conns {
		if c.Source == node {
			out = append(out, c)
		}
	}
	return out
}

// Internal returns the incoming connections of node whose source is also in scope.
func (cu ConnectionUtils) Internal(node string, scope map[string]bool, conns []Connection) []Connection {
	var out []Connection
	for _, c := range cu.Incoming(node, conns) {
		if scope[c.Source] {
			out = append(out, c)
		}
	}
	return out
}

// HasExternalIncoming reports whether some incoming edge of node originates
// outside scope.
func (cu ConnectionUtils) HasExternalIncoming(node string, scope map[string]bool, conns []Connection) bool {
	for _, c := range cu.Incoming(node, conns) {
		if !scope[c.Source] {
			return true
		}
	}
	return false
}

// IsEntryPoint reports whether node has no internal incoming edges (within
// scope) but does have some external ones — i.e. it is where execution
// enters a loop/parallel's interior subgraph.
func (cu ConnectionUtils) IsEntryPoint(node string, scope map[string]bool, conns []Connection) bool {
	return len(cu.Internal(node, scope, conns)) == 0 && cu.HasExternalIncoming(node, scope, conns)
}
