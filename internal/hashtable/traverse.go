package hashtable

import "sync"

// Checkpoint records where a batched traversal stopped. The zero value
// starts a new traversal.
type Checkpoint struct {
	Chain      int
	Generation uint64
	started    bool
}

// Started reports whether the checkpoint came from a previous batch.
func (c Checkpoint) Started() bool {
	return c.started
}

// Traverse visits up to maxChains chains starting at the checkpoint, calling
// fn for each entry. It returns the checkpoint for the next batch and whether
// the walk is complete. If the table changed structurally since the
// checkpoint was issued, nothing is visited and ErrRestart is returned along
// with a zero checkpoint; the caller restarts from there. fn returning false
// ends the walk early (done is true).
func (t *Table[V]) Traverse(from Checkpoint, maxChains int, fn func(key string, value V) bool) (Checkpoint, bool, error) {
	if from.started && from.Generation != t.generation {
		return Checkpoint{}, false, ErrRestart
	}
	if maxChains < 1 {
		maxChains = 1
	}

	end := min(from.Chain+maxChains, len(t.chains))
	for i := from.Chain; i < end; i++ {
		for _, s := range t.chains[i] {
			if s.used && !fn(s.key, s.value) {
				return Checkpoint{Chain: i + 1, Generation: t.generation, started: true}, true, nil
			}
		}
	}
	next := Checkpoint{Chain: end, Generation: t.generation, started: true}
	return next, end >= len(t.chains), nil
}

// Concurrent is a Table guarded by an RWMutex.
type Concurrent[V any] struct {
	mu    sync.RWMutex
	table *Table[V]
}

// NewConcurrent creates a concurrent table with the given initial chains.
func NewConcurrent[V any](chains int) *Concurrent[V] {
	return &Concurrent[V]{table: New[V](chains)}
}

// Get returns the value stored under key.
func (c *Concurrent[V]) Get(key string, hash uint32) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Get(key, hash)
}

// Put stores value under key.
func (c *Concurrent[V]) Put(key string, hash uint32, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Put(key, hash, value)
}

// LoadOrStore returns the existing value for key, or stores and returns the
// value produced by create. loaded reports whether the value existed.
func (c *Concurrent[V]) LoadOrStore(key string, hash uint32, create func() V) (V, bool) {
	if v, ok := c.Get(key, hash); ok {
		return v, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.table.Get(key, hash); ok {
		return v, true
	}
	v := create()
	c.table.Put(key, hash, v)
	return v, false
}

// Remove deletes key.
func (c *Concurrent[V]) Remove(key string, hash uint32) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Remove(key, hash)
}

// RemoveIf deletes key when remove returns true for its current value.
func (c *Concurrent[V]) RemoveIf(key string, hash uint32, remove func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.table.Get(key, hash)
	if !ok || !remove(v) {
		return false
	}
	c.table.Remove(key, hash)
	return true
}

// Len returns the number of entries.
func (c *Concurrent[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Len()
}

// Values returns a snapshot of all values.
func (c *Concurrent[V]) Values() []V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Values()
}

// Traverse runs one batch of Table.Traverse under the read lock.
func (c *Concurrent[V]) Traverse(from Checkpoint, maxChains int, fn func(key string, value V) bool) (Checkpoint, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Traverse(from, maxChains, fn)
}
