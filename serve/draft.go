// Slot allocator for speculative-decoding draft tensors. Fixed-size pool;
// only preemption and finalization return slots, the reconciler never
// touches the workspace directly.

package serve

import "fmt"

// DraftTokenWorkspace hands out storage slots for draft-token state.
type DraftTokenWorkspace struct {
	capacity int
	free     []int
}

// NewDraftTokenWorkspace creates a pool with the given number of slots.
func NewDraftTokenWorkspace(capacity int) *DraftTokenWorkspace {
	if capacity <= 0 {
		panic(fmt.Sprintf("NewDraftTokenWorkspace: capacity must be > 0, got %d", capacity))
	}
	free := make([]int, capacity)
	for i := range free {
		free[i] = capacity - 1 - i
	}
	return &DraftTokenWorkspace{capacity: capacity, free: free}
}

// Alloc returns a free slot, or ErrNoCapacity when the pool is exhausted.
func (w *DraftTokenWorkspace) Alloc() (int, error) {
	if len(w.free) == 0 {
		return -1, ErrNoCapacity
	}
	slot := w.free[len(w.free)-1]
	w.free = w.free[:len(w.free)-1]
	return slot, nil
}

// Free returns slots to the pool.
func (w *DraftTokenWorkspace) Free(slots []int) {
	if len(w.free)+len(slots) > w.capacity {
		panic(fmt.Sprintf("DraftTokenWorkspace.Free: pool overflow: %d free + %d returned > %d capacity",
			len(w.free), len(slots), w.capacity))
	}
	w.free = append(w.free, slots...)
}

// FreeSlots returns the number of free slots.
func (w *DraftTokenWorkspace) FreeSlots() int {
	return len(w.free)
}
