// Package namedsubs indexes each client's subscriptions by name.
//
// Every client gets a ClientList sorted by subscription-name hash, guarded
// by its own mutex. The client lists themselves live in a concurrent hash
// table keyed by client id. No operation holds two client locks at once.
package namedsubs

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// DefaultChains is the initial chain count of the client index.
const DefaultChains = 1000

var (
	// ErrClientNotEmpty is returned by RemoveClient while the client still
	// has subscriptions.
	ErrClientNotEmpty = errors.New("client still has subscriptions")

	errListRemoved = errors.New("client list removed")
)

// Index maps client ids to their named subscriptions.
type Index struct {
	clients *hashtable.Concurrent[*ClientList]
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{clients: hashtable.NewConcurrent[*ClientList](DefaultChains)}
}

func (x *Index) list(clientID string) (*ClientList, bool) {
	return x.clients.Get(clientID, hashtable.HashString(clientID))
}

// Find returns the subscription named name with a reference held. The
// caller releases it.
func (x *Index) Find(clientID, name string) (*subscription.Subscription, error) {
	if l, ok := x.list(clientID); ok {
		if s, ok := l.find(name); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("subscription %q for client %q: %w", name, clientID, rc.ErrNotFound)
}

// Add links sub into the client's list. A second subscription with the same
// name fails with rc.ErrExists.
func (x *Index) Add(clientID string, sub *subscription.Subscription) error {
	hash := hashtable.HashString(clientID)
	for {
		l, _ := x.clients.LoadOrStore(clientID, hash, func() *ClientList {
			return newClientList(clientID)
		})
		err := l.add(sub)
		if !errors.Is(err, errListRemoved) {
			return err
		}
	}
}

// Remove unlinks sub from the client's list and marks it unlinked.
func (x *Index) Remove(clientID string, sub *subscription.Subscription) error {
	l, ok := x.list(clientID)
	if !ok || !l.remove(sub) {
		return fmt.Errorf("subscription %q for client %q: %w", sub.Name, clientID, rc.ErrNotFound)
	}
	sub.MarkUnlinked(subscription.UnlinkedFromList)
	return nil
}

// List returns the client's subscriptions ordered by name hash. No
// references are taken.
func (x *Index) List(clientID string) []*subscription.Subscription {
	l, ok := x.list(clientID)
	if !ok {
		return nil
	}
	return l.snapshot()
}

// Len returns the client's subscription count.
func (x *Index) Len(clientID string) int {
	l, ok := x.list(clientID)
	if !ok {
		return 0
	}
	return l.Len()
}

// Clients returns every client id with a list.
func (x *Index) Clients() []string {
	lists := x.clients.Values()
	out := make([]string, 0, len(lists))
	for _, l := range lists {
		out = append(out, l.clientID)
	}
	return out
}

// RemoveClient drops the client's list. It fails with ErrClientNotEmpty
// while subscriptions remain.
func (x *Index) RemoveClient(clientID string) error {
	hash := hashtable.HashString(clientID)
	notEmpty := false
	removed := x.clients.RemoveIf(clientID, hash, func(l *ClientList) bool {
		if l.markRemovedIfEmpty() {
			return true
		}
		notEmpty = true
		return false
	})
	switch {
	case removed:
		return nil
	case notEmpty:
		return fmt.Errorf("client %q: %w", clientID, ErrClientNotEmpty)
	default:
		return fmt.Errorf("client %q: %w", clientID, rc.ErrNotFound)
	}
}

// Traverse runs one batch over the client index. See hashtable.Traverse for
// the checkpoint and restart contract.
func (x *Index) Traverse(from hashtable.Checkpoint, maxChains int, fn func(clientID string, subs []*subscription.Subscription) bool) (hashtable.Checkpoint, bool, error) {
	var lists []*ClientList
	stopped := false
	next, done, err := x.clients.Traverse(from, maxChains, func(_ string, l *ClientList) bool {
		lists = append(lists, l)
		return true
	})
	if err != nil {
		return next, done, err
	}
	for _, l := range lists {
		if !fn(l.clientID, l.snapshot()) {
			stopped = true
			break
		}
	}
	return next, done || stopped, nil
}

// Each visits every client list, restarting the walk when the index is
// resized underneath it. Clients already visited are not visited again.
func (x *Index) Each(fn func(clientID string, subs []*subscription.Subscription) bool) {
	seen := make(map[string]struct{})
	var cp hashtable.Checkpoint
	for {
		next, done, err := x.Traverse(cp, 64, func(id string, subs []*subscription.Subscription) bool {
			if _, ok := seen[id]; ok {
				return true
			}
			seen[id] = struct{}{}
			return fn(id, subs)
		})
		if errors.Is(err, hashtable.ErrRestart) {
			cp = hashtable.Checkpoint{}
			continue
		}
		if done {
			return
		}
		cp = next
	}
}
