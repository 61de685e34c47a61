package topictree

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// initialChildChains is the initial chain count of a node's child table.
const initialChildChains = 2

// Kind is fixed when a node is created.
type Kind int

const (
	Normal Kind = iota
	Wildcard
	Multicard
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Wildcard:
		return "wildcard"
	case Multicard:
		return "multicard"
	default:
		return "normal"
	}
}

func kindOf(segment string) Kind {
	switch segment {
	case topic.SingleLevel:
		return Wildcard
	case topic.MultiLevel:
		return Multicard
	default:
		return Normal
	}
}

// Node is one segment of the tree. The mutex guards the child index, the
// subscriber and remote sets and the deleted flag. refs counts walkers and
// subscriber lists holding the node; a node is only pruned at zero.
type Node struct {
	segment string
	path    string
	kind    Kind
	parent  *Node

	mu              sync.RWMutex
	children        *hashtable.Table[*Node]
	wildcard        *Node
	multicard       *Node
	tableGeneration uint64
	subs            []*subscription.Subscription
	remotes         []delivery.RemoteTarget
	deleted         bool

	refs         atomic.Int32
	listCount    atomic.Uint64
	prunePending bool // guarded by Tree.pruneMu
}

func newNode(parent *Node, segment string) *Node {
	n := &Node{
		segment:  segment,
		kind:     kindOf(segment),
		parent:   parent,
		children: hashtable.New[*Node](initialChildChains),
	}
	if parent != nil {
		if parent.parent == nil {
			n.path = segment
		} else {
			n.path = parent.path + topic.Separator + segment
		}
	}
	return n
}

// Kind returns the node type.
func (n *Node) Kind() Kind {
	return n.kind
}

// Segment returns the topic segment the node represents.
func (n *Node) Segment() string {
	return n.segment
}

// Pattern returns the full pattern from the root to this node.
func (n *Node) Pattern() string {
	return n.path
}

// TableGeneration returns the child-table generation.
func (n *Node) TableGeneration() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.tableGeneration
}

// SubscriberCount returns the number of subscriptions terminating here.
func (n *Node) SubscriberCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Subscribers returns a copy of the subscriber set in insertion order.
func (n *Node) Subscribers() []*subscription.Subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.subs)
}

// ListCount returns how many tree walks have put the node in a result.
func (n *Node) ListCount() uint64 {
	return n.listCount.Load()
}

// Deleted reports whether the node has been pruned from the tree.
func (n *Node) Deleted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.deleted
}

// Collect appends the node's subscriptions, each with a use-count reference
// taken while the node still links it, and its remote targets.
func (n *Node) Collect(subs []*subscription.Subscription, remotes []delivery.RemoteTarget) ([]*subscription.Subscription, []delivery.RemoteTarget) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.subs {
		s.Acquire()
	}
	return append(subs, n.subs...), append(remotes, n.remotes...)
}

// Acquire takes a walker reference, blocking pruning of the node.
func (n *Node) Acquire() {
	n.acquire()
}

// Release drops a reference taken by Acquire or Match.
func (n *Node) Release() {
	n.release()
}

func (n *Node) acquire() {
	n.refs.Add(1)
}

func (n *Node) release() {
	n.refs.Add(-1)
}

// childLocked returns the child for segment. Caller holds n.mu.
func (n *Node) childLocked(segment string) *Node {
	switch kindOf(segment) {
	case Wildcard:
		return n.wildcard
	case Multicard:
		return n.multicard
	default:
		c, _ := n.children.Get(segment, hashtable.HashString(segment))
		return c
	}
}

// attachLocked adds child. Caller holds n.mu for writing.
func (n *Node) attachLocked(child *Node) {
	switch child.kind {
	case Wildcard:
		n.wildcard = child
	case Multicard:
		n.multicard = child
	default:
		n.children.Put(child.segment, hashtable.HashString(child.segment), child)
	}
	n.tableGeneration++
}

// detachLocked removes child. Caller holds n.mu for writing.
func (n *Node) detachLocked(child *Node) {
	switch child.kind {
	case Wildcard:
		n.wildcard = nil
	case Multicard:
		n.multicard = nil
	default:
		n.children.Remove(child.segment, hashtable.HashString(child.segment))
	}
	n.tableGeneration++
}

func (n *Node) hasEntriesLocked() bool {
	return len(n.subs) > 0 || len(n.remotes) > 0
}

func (n *Node) emptyLocked() bool {
	return !n.hasEntriesLocked() &&
		n.children.Len() == 0 &&
		n.wildcard == nil &&
		n.multicard == nil
}

// childrenLocked returns every child. Caller holds n.mu.
func (n *Node) childrenLocked() []*Node {
	out := n.children.Values()
	if n.wildcard != nil {
		out = append(out, n.wildcard)
	}
	if n.multicard != nil {
		out = append(out, n.multicard)
	}
	return out
}
