package serve

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestIDManager_MonotonicAllocation verifies fresh ids are distinct and
// increase monotonically when nothing has been recycled.
func TestIDManager_MonotonicAllocation(t *testing.T) {
	m := NewIDManager()
	seen := make(map[int64]bool)
	prev := int64(-1)
	for i := 0; i < 100; i++ {
		id := m.NewID()
		assert.False(t, seen[id], "id %d allocated twice", id)
		assert.Greater(t, id, prev)
		seen[id] = true
		prev = id
	}
}

// TestIDManager_RecycleRoundtrip verifies the roundtrip property: recycled
// ids become reallocatable, and no two live sequences ever share an id.
func TestIDManager_RecycleRoundtrip(t *testing.T) {
	// GIVEN three live ids
	m := NewIDManager()
	a, b, c := m.NewID(), m.NewID(), m.NewID()

	// WHEN the middle one is recycled
	m.Recycle(b)

	// THEN the next allocation reuses it
	d := m.NewID()
	assert.Equal(t, b, d)

	// AND further allocations never collide with live ids
	e := m.NewID()
	live := map[int64]bool{a: true, c: true, d: true}
	assert.False(t, live[e], "allocated id %d collides with a live id", e)
}

// TestIDManager_RecycleManyThenAllocate drains the free list before the
// counter advances again.
func TestIDManager_RecycleManyThenAllocate(t *testing.T) {
	m := NewIDManager()
	var ids []int64
	for i := 0; i < 10; i++ {
		ids = append(ids, m.NewID())
	}
	for _, id := range ids {
		m.Recycle(id)
	}
	seen := make(map[int64]bool)
	for i := 0; i < 10; i++ {
		id := m.NewID()
		assert.False(t, seen[id])
		seen[id] = true
		assert.LessOrEqual(t, id, int64(9), "expected a recycled id, got %d", id)
	}
}
