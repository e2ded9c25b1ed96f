// Allocates internal sequence ids for the KV cache. Ids are monotonic with
// free-list reuse: uniqueness over the engine lifetime is not guaranteed,
// but no two live sequences ever share an id.

package serve

// IDManager hands out int64 sequence ids and recycles released ones.
// Single-owner: called only from the engine goroutine.
type IDManager struct {
	next int64
	free []int64
}

// NewIDManager creates an IDManager starting at id 0.
func NewIDManager() *IDManager {
	return &IDManager{}
}

// NewID returns an id no live sequence holds. Recycled ids are reused in
// LIFO order before the monotonic counter advances.
func (m *IDManager) NewID() int64 {
	if n := len(m.free); n > 0 {
		id := m.free[n-1]
		m.free = m.free[:n-1]
		return id
	}
	id := m.next
	m.next++
	return id
}

// Recycle returns an id to the free pool. The caller must guarantee the id
// no longer names a resident sequence anywhere.
func (m *IDManager) Recycle(id int64) {
	m.free = append(m.free, id)
}
