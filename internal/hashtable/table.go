// Package hashtable implements the chained hash table used for trie child
// indexes and for the clientId to named-subscription index.
//
// Keys are byte strings with a hash computed once by the caller (see
// HashString), so a topic segment is hashed a single time however many
// tables it is looked up in. Table is not safe for concurrent use; owners
// serialize access with their own lock. Concurrent wraps a Table with an
// RWMutex for owners that have no lock of their own.
package hashtable

import (
	"errors"

	"github.com/cespare/xxhash/v2"
)

const (
	// LoadFactor is the average chain length that triggers a resize.
	LoadFactor = 5
	// GrowthFactor multiplies the chain count on resize.
	GrowthFactor = 10
)

// ErrRestart is returned by Traverse when the table changed structurally
// since the checkpoint was taken.
var ErrRestart = errors.New("hashtable: table changed during traversal, restart required")

// HashString returns the 32-bit hash used for table keys.
func HashString(s string) uint32 {
	return uint32(xxhash.Sum64String(s))
}

type slot[V any] struct {
	key   string
	hash  uint32
	value V
	used  bool
}

// Table is a chained hash table. Removal leaves an empty slot in its chain
// that later inserts reuse; Compact squeezes them out.
type Table[V any] struct {
	chains     [][]slot[V]
	count      int
	empty      int
	generation uint64
}

// New creates a table with the given initial number of chains.
func New[V any](chains int) *Table[V] {
	if chains < 1 {
		chains = 1
	}
	return &Table[V]{chains: make([][]slot[V], chains)}
}

// Len returns the number of entries.
func (t *Table[V]) Len() int {
	return t.count
}

// Chains returns the number of chains.
func (t *Table[V]) Chains() int {
	return len(t.chains)
}

// EmptySlots returns the number of removed slots awaiting compaction.
func (t *Table[V]) EmptySlots() int {
	return t.empty
}

// Generation increases on every structural change.
func (t *Table[V]) Generation() uint64 {
	return t.generation
}

func (t *Table[V]) chainFor(hash uint32) int {
	return int(hash % uint32(len(t.chains)))
}

// Get returns the value stored under key.
func (t *Table[V]) Get(key string, hash uint32) (V, bool) {
	for _, s := range t.chains[t.chainFor(hash)] {
		if s.used && s.hash == hash && s.key == key {
			return s.value, true
		}
	}
	var zero V
	return zero, false
}

// Put stores value under key, replacing any existing value. It reports
// whether an existing value was replaced.
func (t *Table[V]) Put(key string, hash uint32, value V) bool {
	idx := t.chainFor(hash)
	chain := t.chains[idx]
	free := -1
	for i := range chain {
		s := &chain[i]
		if !s.used {
			if free < 0 {
				free = i
			}
			continue
		}
		if s.hash == hash && s.key == key {
			s.value = value
			return true
		}
	}

	if free >= 0 {
		chain[free] = slot[V]{key: key, hash: hash, value: value, used: true}
		t.empty--
	} else {
		t.chains[idx] = append(chain, slot[V]{key: key, hash: hash, value: value, used: true})
	}
	t.count++
	t.generation++

	if t.count > len(t.chains)*LoadFactor {
		t.Resize(len(t.chains) * GrowthFactor)
	}
	return false
}

// Remove deletes key and returns the removed value.
func (t *Table[V]) Remove(key string, hash uint32) (V, bool) {
	chain := t.chains[t.chainFor(hash)]
	for i := range chain {
		s := &chain[i]
		if s.used && s.hash == hash && s.key == key {
			v := s.value
			*s = slot[V]{}
			t.count--
			t.empty++
			t.generation++
			if t.empty > LoadFactor && t.empty > t.count {
				t.Compact()
			}
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Resize rehashes every entry into n chains. Empty slots are dropped.
func (t *Table[V]) Resize(n int) {
	if n < 1 {
		n = 1
	}
	chains := make([][]slot[V], n)
	for _, chain := range t.chains {
		for _, s := range chain {
			if s.used {
				idx := int(s.hash % uint32(n))
				chains[idx] = append(chains[idx], s)
			}
		}
	}
	t.chains = chains
	t.empty = 0
	t.generation++
}

// Compact removes empty slots from every chain and returns how many were
// reclaimed.
func (t *Table[V]) Compact() int {
	if t.empty == 0 {
		return 0
	}
	reclaimed := t.empty
	for i, chain := range t.chains {
		live := chain[:0]
		for _, s := range chain {
			if s.used {
				live = append(live, s)
			}
		}
		clear(chain[len(live):])
		if len(live) == 0 {
			live = nil
		}
		t.chains[i] = live
	}
	t.empty = 0
	t.generation++
	return reclaimed
}

// Range calls fn for every entry until fn returns false. The table must not
// be modified during the call.
func (t *Table[V]) Range(fn func(key string, value V) bool) {
	for _, chain := range t.chains {
		for _, s := range chain {
			if s.used && !fn(s.key, s.value) {
				return
			}
		}
	}
}

// Values returns all values in chain order.
func (t *Table[V]) Values() []V {
	out := make([]V, 0, t.count)
	t.Range(func(_ string, v V) bool {
		out = append(out, v)
		return true
	})
	return out
}
