package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// VirtualBlockUtils encodes and decodes the per-iteration identities a
// parallel section assigns its interior blocks:
// "{originalId}_parallel_{parallelId}_iteration_{N}".
type VirtualBlockUtils struct{}

const (
	virtualParallelMarker  = "_parallel_"
	virtualIterationMarker = "_iteration_"
)

// BuildVirtualID constructs a virtual block id for one parallel iteration.
func (VirtualBlockUtils) BuildVirtualID(originalID, parallelID string, iteration int) string {
	return fmt.Sprintf("%s%s%s%s%d", originalID, virtualParallelMarker, parallelID, virtualIterationMarker, iteration)
}

// IsVirtualID reports whether id follows the virtual block id format.
func (VirtualBlockUtils) IsVirtualID(id string) bool {
	return strings.Contains(id, virtualParallelMarker) && strings.Contains(id, virtualIterationMarker)
}

// ExtractOriginalID returns the origin block id encoded in a virtual id,
// or id unchanged if it is not a virtual id.
func (v VirtualBlockUtils) ExtractOriginalID(id string) string {
	idx := strings.Index(id, virtualParallelMarker)
	if idx < 0 {
		return id
	}
	return id[:idx]
}

// ExtractParallelID returns the parallel section id encoded in a virtual id.
func (v VirtualBlockUtils) ExtractParallelID(id string) (string, bool) {
	start := strings.Index(id, virtualParallelMarker)
	end := strings.Index(id, virtualIterationMarker)
	if start < 0 || end < 0 || end <= start {
		return "", false
	}
	start += len(virtualParallelMarker)
	return id[start:end], true
}

// ExtractIterationIndex returns the iteration index encoded in a virtual id.
func (v VirtualBlockUtils) ExtractIterationIndex(id string) (int, bool) {
	idx := strings.Index(id, virtualIterationMarker)
	if idx < 0 {
		return 0, false
	}
	numStr := id[idx+len(virtualIterationMarker):]
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decode fully parses a virtual id into its VirtualBlockRef, if it is one.
func (v VirtualBlockUtils) Decode(id string) (VirtualBlockRef, bool) {
	if !v.IsVirtualID(id) {
		return VirtualBlockRef{}, false
	}
	parallelID, ok := v.ExtractParallelID(id)
	if !ok {
		return VirtualBlockRef{}, false
	}
	iter, ok := v.ExtractIterationIndex(id)
	if !ok {
		return VirtualBlockRef{}, false
	}
	return VirtualBlockRef{
		OriginalBlockID: v.ExtractOriginalID(id),
		ParallelID:      parallelID,
		IterationIndex:  iter,
	}, true
}

// ParallelIterationItemsKey returns the ExecutionContext.LoopItems key that
// holds a parallel iteration's per-iteration item.
func (VirtualBlockUtils) ParallelIterationItemsKey(parallelID string, iteration int) string {
	return fmt.Sprintf("%s_iteration_%d", parallelID, iteration)
}

// CollectionItemsKey returns the ExecutionContext.LoopItems key that holds
// the full collection for a loop or parallel id.
func (VirtualBlockUtils) CollectionItemsKey(id string) string {
	return fmt.Sprintf("%s_items", id)
}
