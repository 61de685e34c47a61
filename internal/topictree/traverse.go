package topictree

import (
	"errors"
	"slices"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
)

// traverseBatch is the number of child chains read per lock hold.
const traverseBatch = 8

// VisitFunc receives a node that carries subscriptions or remote interest,
// with copies of both sets. Returning false stops the traversal.
type VisitFunc func(n *Node, subs []*subscription.Subscription, remotes []delivery.RemoteTarget) bool

// Traverse visits every populated node depth first. Child tables are read
// in batches so the node lock is never held for a whole subtree; when a
// table changes between batches the enumeration of that node restarts and
// children already visited are skipped.
func (t *Tree) Traverse(fn VisitFunc) {
	t.traverseNode(t.root, fn)
}

func (t *Tree) traverseNode(n *Node, fn VisitFunc) bool {
	n.mu.RLock()
	subs := slices.Clone(n.subs)
	remotes := slices.Clone(n.remotes)
	wildcard, multicard := n.wildcard, n.multicard
	if wildcard != nil {
		wildcard.acquire()
	}
	if multicard != nil {
		multicard.acquire()
	}
	n.mu.RUnlock()

	keepGoing := true
	if n != t.root && (len(subs) > 0 || len(remotes) > 0) {
		keepGoing = fn(n, subs, remotes)
	}

	if keepGoing {
		keepGoing = t.traverseLiterals(n, fn)
	}
	for _, c := range []*Node{wildcard, multicard} {
		if c == nil {
			continue
		}
		if keepGoing {
			keepGoing = t.traverseNode(c, fn)
		}
		c.release()
	}
	return keepGoing
}

func (t *Tree) traverseLiterals(n *Node, fn VisitFunc) bool {
	visited := make(map[*Node]struct{})
	var cp hashtable.Checkpoint
	for {
		var batch []*Node
		n.mu.RLock()
		next, done, err := n.children.Traverse(cp, traverseBatch, func(_ string, c *Node) bool {
			if _, seen := visited[c]; !seen {
				c.acquire()
				batch = append(batch, c)
			}
			return true
		})
		n.mu.RUnlock()

		if errors.Is(err, hashtable.ErrRestart) {
			cp = hashtable.Checkpoint{}
			continue
		}

		keepGoing := true
		for _, c := range batch {
			visited[c] = struct{}{}
			if keepGoing {
				keepGoing = t.traverseNode(c, fn)
			}
			c.release()
		}
		if !keepGoing {
			return false
		}
		if done {
			return true
		}
		cp = next
	}
}
