package topictree

import (
	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// matcher collects the active nodes for one topic. Every collected node has
// a reference held; the caller releases them.
type matcher struct {
	segs   []string
	system bool
	strict bool
	seen   map[*Node]struct{}
	nodes  []*Node
}

// Match returns the nodes whose patterns match the already analysed topic,
// each with a reference held. Release them with ReleaseNodes.
func (t *Tree) Match(a topic.Analysis) []*Node {
	return t.MatchInto(nil, a)
}

// MatchInto is Match appending to dst.
func (t *Tree) MatchInto(dst []*Node, a topic.Analysis) []*Node {
	m := matcher{
		segs:   a.Segments,
		system: a.System,
		strict: t.cfg.StrictSystemTopics,
		nodes:  dst[:0],
	}
	if t.NeedsDedup() {
		m.seen = make(map[*Node]struct{})
	}
	t.root.acquire()
	m.walk(t.root, 0)
	t.root.release()
	return m.nodes
}

// ReleaseNodes drops the references taken by Match.
func ReleaseNodes(nodes []*Node) {
	for _, n := range nodes {
		n.release()
	}
}

// walk matches segs[i:] below n. Caller holds a reference on n.
func (m *matcher) walk(n *Node, i int) {
	seg := m.segs[i]

	n.mu.RLock()
	literal, _ := n.children.Get(seg, hashtable.HashString(seg))
	wildcard := n.wildcard
	multicard := n.multicard
	if i == 0 && m.system {
		multicard = nil
		if m.strict {
			wildcard = nil
		}
	}
	for _, c := range []*Node{literal, wildcard, multicard} {
		if c != nil {
			c.acquire()
		}
	}
	n.mu.RUnlock()

	last := i+1 == len(m.segs)
	for _, c := range []*Node{literal, wildcard} {
		if c == nil {
			continue
		}
		if last {
			m.addActive(c)
		} else {
			m.walk(c, i+1)
		}
		c.release()
	}

	if multicard != nil {
		m.addActive(multicard)
		for j := i; j < len(m.segs); j++ {
			m.walk(multicard, j)
		}
		multicard.release()
	}
}

// addActive records c and, unless c is itself a multicard node, the chain
// of multicard children below it, which match zero further segments.
func (m *matcher) addActive(c *Node) {
	m.add(c)
	if c.kind == Multicard {
		return
	}

	c.mu.RLock()
	next := c.multicard
	if next != nil {
		next.acquire()
	}
	c.mu.RUnlock()

	for next != nil {
		m.add(next)
		cur := next
		cur.mu.RLock()
		next = cur.multicard
		if next != nil {
			next.acquire()
		}
		cur.mu.RUnlock()
		cur.release()
	}
}

// add keeps c if it carries subscriptions or remote interest.
func (m *matcher) add(c *Node) {
	c.mu.RLock()
	populated := c.hasEntriesLocked()
	c.mu.RUnlock()
	if !populated {
		return
	}
	if m.seen != nil {
		if _, dup := m.seen[c]; dup {
			return
		}
		m.seen[c] = struct{}{}
	}
	c.acquire()
	c.listCount.Add(1)
	m.nodes = append(m.nodes, c)
}
