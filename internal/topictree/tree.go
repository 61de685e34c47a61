// Package topictree implements the concurrent topic tree that maps
// subscription patterns to subscriptions and remote-cluster interest.
//
// Each node guards its own child index with a narrow RWMutex; there is no
// tree-wide lock. A global generation counter advances on every change that
// can alter a match result, which is what the resolver cache keys its
// invalidation on. Emptied nodes are pruned lazily: they are queued when they
// empty out and removed during later mutations, once no walker holds them.
package topictree

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// Mode selects the behaviour of InsertOrFind.
type Mode int

const (
	// Find fails with rc.ErrNotFound if any node on the path is missing.
	Find Mode = iota
	// Add creates missing nodes.
	Add
)

// DefaultPruneBatch bounds the pruning done by a single mutation.
const DefaultPruneBatch = 16

// Config configures a Tree.
type Config struct {
	// PatternPolicy decides whether "#" may appear before the last segment.
	PatternPolicy topic.Policy

	// StrictSystemTopics stops a root "+" from matching system topics.
	StrictSystemTopics bool

	// PruneBatch bounds opportunistic pruning per mutation.
	PruneBatch int

	Logger *slog.Logger
}

// Stats is a snapshot of tree counters.
type Stats struct {
	Nodes           int64  `json:"nodes"`
	Subscriptions   int64  `json:"subscriptions"`
	RemoteInterests int64  `json:"remoteInterests"`
	PendingPrune    int    `json:"pendingPrune"`
	Generation      uint64 `json:"generation"`
}

// Tree is the topic tree.
type Tree struct {
	cfg  Config
	log  *slog.Logger
	root *Node

	generation      atomic.Uint64
	nodes           atomic.Int64
	subs            atomic.Int64
	remoteInterests atomic.Int64
	multiMulticard  atomic.Int64

	pruneMu    sync.Mutex
	pruneQueue []*Node
}

// New creates an empty tree.
func New(cfg Config) *Tree {
	if cfg.PruneBatch <= 0 {
		cfg.PruneBatch = DefaultPruneBatch
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tree{
		cfg:  cfg,
		log:  log,
		root: newNode(nil, ""),
	}
}

// Config returns the tree configuration.
func (t *Tree) Config() Config {
	return t.cfg
}

// Generation returns the global structural-change counter.
func (t *Tree) Generation() uint64 {
	return t.generation.Load()
}

// NeedsDedup reports whether a pattern with several "#" segments is
// registered, in which case one node can be reached by several paths.
func (t *Tree) NeedsDedup() bool {
	return t.multiMulticard.Load() > 0
}

// Stats returns a snapshot of the tree counters.
func (t *Tree) Stats() Stats {
	t.pruneMu.Lock()
	pending := len(t.pruneQueue)
	t.pruneMu.Unlock()
	return Stats{
		Nodes:           t.nodes.Load(),
		Subscriptions:   t.subs.Load(),
		RemoteInterests: t.remoteInterests.Load(),
		PendingPrune:    pending,
		Generation:      t.generation.Load(),
	}
}

// InsertOrFind returns the terminal node for pattern. With Add, missing
// nodes are created; adding the same pattern twice returns the same node.
func (t *Tree) InsertOrFind(pattern string, mode Mode) (*Node, error) {
	a, err := topic.AnalyzePattern(pattern, t.cfg.PatternPolicy)
	if err != nil {
		return nil, err
	}

	var n *Node
	if mode == Add {
		n = t.insert(a.Segments)
	} else if n, err = t.find(a.Segments); err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	n.release()
	return n, nil
}

// insert walks to the terminal node, creating nodes as needed, and returns
// it with a reference held.
func (t *Tree) insert(segments []string) *Node {
	cur := t.root
	cur.acquire()
	created := false
	for _, seg := range segments {
		cur.mu.Lock()
		child := cur.childLocked(seg)
		if child == nil {
			child = newNode(cur, seg)
			cur.attachLocked(child)
			t.nodes.Add(1)
			created = true
		}
		child.acquire()
		cur.mu.Unlock()
		cur.release()
		cur = child
	}
	if created {
		t.generation.Add(1)
	}
	return cur
}

// find walks to the terminal node without creating anything and returns it
// with a reference held.
func (t *Tree) find(segments []string) (*Node, error) {
	cur := t.root
	cur.acquire()
	for _, seg := range segments {
		cur.mu.RLock()
		child := cur.childLocked(seg)
		if child != nil {
			child.acquire()
		}
		cur.mu.RUnlock()
		cur.release()
		if child == nil {
			return nil, rc.ErrNotFound
		}
		cur = child
	}
	return cur, nil
}

// AddSubscription links sub under its pattern.
func (t *Tree) AddSubscription(sub *subscription.Subscription) error {
	a, err := topic.AnalyzePattern(sub.Pattern, t.cfg.PatternPolicy)
	if err != nil {
		return err
	}

	n := t.insert(a.Segments)
	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	n.release()

	t.subs.Add(1)
	if a.MultiLevel > 1 {
		t.multiMulticard.Add(1)
	}
	t.generation.Add(1)
	t.pruneSome()
	return nil
}

// RemoveSubscription unlinks sub from its node. The node is queued for
// pruning if that left it empty.
func (t *Tree) RemoveSubscription(sub *subscription.Subscription) error {
	a, err := topic.AnalyzePattern(sub.Pattern, t.cfg.PatternPolicy)
	if err != nil {
		return err
	}

	n, err := t.find(a.Segments)
	if err != nil {
		return fmt.Errorf("subscription %s/%s: %w", sub.ClientID, sub.Name, err)
	}

	n.mu.Lock()
	idx := slices.Index(n.subs, sub)
	if idx < 0 {
		n.mu.Unlock()
		n.release()
		return fmt.Errorf("subscription %s/%s: %w", sub.ClientID, sub.Name, rc.ErrNotFound)
	}
	n.subs = slices.Delete(n.subs, idx, idx+1)
	empty := n.emptyLocked()
	n.mu.Unlock()
	n.release()

	sub.MarkUnlinked(subscription.UnlinkedFromTree)
	t.subs.Add(-1)
	if a.MultiLevel > 1 {
		t.multiMulticard.Add(-1)
	}
	t.generation.Add(1)
	if empty {
		t.schedulePrune(n)
	}
	t.pruneSome()
	return nil
}

// AddRemoteInterest registers target for pattern. It reports whether the
// interest was new.
func (t *Tree) AddRemoteInterest(target delivery.RemoteTarget, pattern string) (bool, error) {
	a, err := topic.AnalyzePattern(pattern, t.cfg.PatternPolicy)
	if err != nil {
		return false, err
	}

	n := t.insert(a.Segments)
	defer n.release()

	n.mu.Lock()
	if slices.ContainsFunc(n.remotes, sameTarget(target)) {
		n.mu.Unlock()
		return false, nil
	}
	n.remotes = append(n.remotes, target)
	n.mu.Unlock()

	t.remoteInterests.Add(1)
	if a.MultiLevel > 1 {
		t.multiMulticard.Add(1)
	}
	t.generation.Add(1)
	t.pruneSome()
	return true, nil
}

// RemoveRemoteInterest removes target's interest in pattern.
func (t *Tree) RemoveRemoteInterest(target delivery.RemoteTarget, pattern string) error {
	a, err := topic.AnalyzePattern(pattern, t.cfg.PatternPolicy)
	if err != nil {
		return err
	}

	n, err := t.find(a.Segments)
	if err != nil {
		return fmt.Errorf("remote %s pattern %q: %w", target.ID(), pattern, err)
	}

	n.mu.Lock()
	idx := slices.IndexFunc(n.remotes, sameTarget(target))
	if idx < 0 {
		n.mu.Unlock()
		n.release()
		return fmt.Errorf("remote %s pattern %q: %w", target.ID(), pattern, rc.ErrNotFound)
	}
	n.remotes = slices.Delete(n.remotes, idx, idx+1)
	empty := n.emptyLocked()
	n.mu.Unlock()
	n.release()

	t.remoteInterests.Add(-1)
	if a.MultiLevel > 1 {
		t.multiMulticard.Add(-1)
	}
	t.generation.Add(1)
	if empty {
		t.schedulePrune(n)
	}
	t.pruneSome()
	return nil
}

// RemoveRemoteTarget removes every interest registered by target and
// returns how many were removed.
func (t *Tree) RemoveRemoteTarget(target delivery.RemoteTarget) int {
	var patterns []string
	t.Traverse(func(n *Node, _ []*subscription.Subscription, remotes []delivery.RemoteTarget) bool {
		if slices.ContainsFunc(remotes, sameTarget(target)) {
			patterns = append(patterns, n.Pattern())
		}
		return true
	})

	removed := 0
	for _, p := range patterns {
		if err := t.RemoveRemoteInterest(target, p); err == nil {
			removed++
		}
	}
	return removed
}

func sameTarget(target delivery.RemoteTarget) func(delivery.RemoteTarget) bool {
	return func(r delivery.RemoteTarget) bool {
		return r == target || r.ID() == target.ID()
	}
}
