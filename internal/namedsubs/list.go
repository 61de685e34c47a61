package namedsubs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

const initialCapacity = 10

// ClientList holds one client's subscriptions ordered by name hash. The
// slot after the last subscription is always nil.
type ClientList struct {
	clientID string

	mu      sync.Mutex
	subs    []*subscription.Subscription
	removed bool

	count atomic.Int32
}

func newClientList(clientID string) *ClientList {
	return &ClientList{
		clientID: clientID,
		subs:     make([]*subscription.Subscription, 1, initialCapacity),
	}
}

// ClientID returns the owning client.
func (l *ClientList) ClientID() string {
	return l.clientID
}

// Len returns the number of subscriptions without locking.
func (l *ClientList) Len() int {
	return int(l.count.Load())
}

// lowerBound returns the first index whose hash is not below hash. Caller
// holds l.mu.
func (l *ClientList) lowerBound(hash uint32) int {
	n := int(l.count.Load())
	return sort.Search(n, func(i int) bool { return l.subs[i].NameHash >= hash })
}

// indexOfName returns the index of the subscription called name, or -1.
func (l *ClientList) indexOfName(name string, hash uint32) int {
	n := int(l.count.Load())
	for i := l.lowerBound(hash); i < n && l.subs[i].NameHash == hash; i++ {
		if l.subs[i].Name == name {
			return i
		}
	}
	return -1
}

// find returns the named subscription with a reference held.
func (l *ClientList) find(name string) (*subscription.Subscription, bool) {
	hash := hashtable.HashString(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	i := l.indexOfName(name, hash)
	if i < 0 {
		return nil, false
	}
	s := l.subs[i]
	s.Acquire()
	return s, true
}

// add inserts sub after any subscriptions with the same name hash.
func (l *ClientList) add(sub *subscription.Subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed {
		return errListRemoved
	}
	if l.indexOfName(sub.Name, sub.NameHash) >= 0 {
		return fmt.Errorf("subscription %q for client %q: %w", sub.Name, l.clientID, rc.ErrExists)
	}

	n := int(l.count.Load())
	pos := l.lowerBound(sub.NameHash)
	for pos < n && l.subs[pos].NameHash == sub.NameHash {
		pos++
	}

	if n+2 > cap(l.subs) {
		grown := make([]*subscription.Subscription, n+1, 2*cap(l.subs))
		copy(grown, l.subs)
		l.subs = grown
	}
	l.subs = l.subs[:n+2]
	copy(l.subs[pos+1:], l.subs[pos:n+1])
	l.subs[pos] = sub
	l.count.Store(int32(n + 1))
	return nil
}

// remove deletes sub, comparing identity among equal hashes.
func (l *ClientList) remove(sub *subscription.Subscription) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := int(l.count.Load())
	i := l.lowerBound(sub.NameHash)
	for ; i < n && l.subs[i].NameHash == sub.NameHash; i++ {
		if l.subs[i] == sub {
			break
		}
	}
	if i >= n || l.subs[i] != sub {
		return false
	}
	copy(l.subs[i:], l.subs[i+1:n+1])
	l.subs[n] = nil
	l.subs = l.subs[:n]
	l.count.Store(int32(n - 1))
	return true
}

// snapshot returns the live subscriptions in hash order.
func (l *ClientList) snapshot() []*subscription.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := int(l.count.Load())
	out := make([]*subscription.Subscription, n)
	copy(out, l.subs[:n])
	return out
}

// markRemovedIfEmpty retires an empty list so that late adds go to a fresh
// one.
func (l *ClientList) markRemovedIfEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count.Load() != 0 {
		return false
	}
	l.removed = true
	return true
}

// sentinelOK reports whether the slot after the last subscription is nil.
func (l *ClientList) sentinelOK() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := int(l.count.Load())
	return len(l.subs) == n+1 && l.subs[n] == nil
}
