package resolver

import (
	"context"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/topictree"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// Worker resolves topics for one goroutine at a time. It is not safe for
// concurrent use.
type Worker struct {
	r        *Resolver
	cache    map[string][]*topictree.Node
	cacheGen uint64
	depth    int

	scratch      SubscriberList
	scratchInUse bool
}

type workerKey struct{}

// ContextWithWorker returns a context that carries w, so that a publish
// started from within another publish on the same goroutine resolves on the
// same worker.
func ContextWithWorker(ctx context.Context, w *Worker) context.Context {
	return context.WithValue(ctx, workerKey{}, w)
}

// WorkerFrom returns the worker of r carried by ctx, or nil.
func (r *Resolver) WorkerFrom(ctx context.Context) *Worker {
	w, _ := ctx.Value(workerKey{}).(*Worker)
	if w == nil || w.r != r {
		return nil
	}
	return w
}

// Enter marks the start of a publish on this worker. Publishes nest when a
// queue callback publishes again.
func (w *Worker) Enter() {
	w.depth++
}

// Exit marks the end of the publish started by the matching Enter.
func (w *Worker) Exit() {
	w.depth--
	if w.depth < 0 {
		rc.Violation("resolver", "publish depth underflow")
	}
}

// Depth returns the current publish nesting depth.
func (w *Worker) Depth() int {
	return w.depth
}

// CacheLen returns the number of cached topics.
func (w *Worker) CacheLen() int {
	return len(w.cache)
}

// Resolve returns the recipients for name. fromForwarder marks messages
// arriving from another cluster member: those always request selection and
// never go back out to remote targets. The caller must Release the list.
func (w *Worker) Resolve(name string, fromForwarder bool) (*SubscriberList, error) {
	a, err := topic.AnalyzeTopic(name)
	if err != nil {
		return nil, err
	}
	r := w.r
	r.resolves.Add(1)

	gen := r.tree.Generation()
	if gen != w.cacheGen {
		if len(w.cache) > 0 {
			clear(w.cache)
			r.invalidations.Add(1)
		}
		w.cacheGen = gen
	}

	list := w.newList()
	list.Topic = name
	list.Generation = gen

	if nodes, ok := w.cache[name]; ok && !r.cfg.DisableCache {
		r.hits.Add(1)
		list.FromCache = true
		for _, n := range nodes {
			n.Acquire()
		}
		list.nodes = append(list.nodes, nodes...)
	} else {
		r.misses.Add(1)
		list.nodes = r.tree.MatchInto(list.nodes, a)
	}

	includeRemotes := !a.System && !fromForwarder
	list.collect(includeRemotes)
	list.RequestSelection = list.RequestSelection || fromForwarder

	if !list.FromCache && !r.cfg.DisableCache {
		w.admit(name, list)
	}
	return list, nil
}

// admit caches the nodes of list. A full cache only makes room for fan-out
// results (more than one subscriber) and fan-in results: a single literal
// node that more than FanInBoundary resolves have already put in a result,
// counted by its ListCount.
func (w *Worker) admit(name string, list *SubscriberList) {
	r := w.r
	if len(w.cache) >= r.cfg.CacheCapacity {
		fanIn := len(list.nodes) == 1 &&
			list.nodes[0].Kind() == topictree.Normal &&
			list.nodes[0].ListCount() > uint64(r.cfg.FanInBoundary)
		if len(list.Subscribers) <= 1 && !fanIn {
			return
		}
		for k := range w.cache {
			delete(w.cache, k)
			r.evictions.Add(1)
			break
		}
	}
	nodes := make([]*topictree.Node, len(list.nodes))
	copy(nodes, list.nodes)
	w.cache[name] = nodes
}

func (w *Worker) newList() *SubscriberList {
	if w.depth <= 1 && !w.scratchInUse {
		w.scratchInUse = true
		w.scratch.owner = w
		w.scratch.released = false
		return &w.scratch
	}
	return &SubscriberList{}
}

// SubscriberList is the transient result of a resolve. Every subscription,
// remote target and node in it holds a reference until Release.
type SubscriberList struct {
	Topic       string
	Subscribers []*subscription.Subscription
	Remotes     []delivery.RemoteTarget

	// RequestSelection is set when some subscriber needs the filter chain.
	RequestSelection bool
	Generation       uint64
	FromCache        bool

	nodes    []*topictree.Node
	owner    *Worker
	released bool
}

func (l *SubscriberList) collect(includeRemotes bool) {
	var remotes []delivery.RemoteTarget
	for _, n := range l.nodes {
		l.Subscribers, remotes = n.Collect(l.Subscribers, remotes)
	}
	for _, s := range l.Subscribers {
		if s.RequiresSelection() {
			l.RequestSelection = true
			break
		}
	}
	if !includeRemotes {
		return
	}
	for _, t := range remotes {
		if !containsRemote(l.Remotes, t.ID()) {
			t.Acquire()
			l.Remotes = append(l.Remotes, t)
		}
	}
}

func containsRemote(remotes []delivery.RemoteTarget, id string) bool {
	for _, r := range remotes {
		if r.ID() == id {
			return true
		}
	}
	return false
}

// Len returns the number of local subscribers plus remote targets.
func (l *SubscriberList) Len() int {
	return len(l.Subscribers) + len(l.Remotes)
}

// Nodes returns the number of matching tree nodes.
func (l *SubscriberList) Nodes() int {
	return len(l.nodes)
}

// Release drops every reference held by the list. A list must be released
// exactly once.
func (l *SubscriberList) Release() {
	if l.released {
		rc.Violation("resolver", "subscriber list for %q released twice", l.Topic)
	}
	for _, s := range l.Subscribers {
		s.Release()
	}
	for _, t := range l.Remotes {
		t.Release()
	}
	topictree.ReleaseNodes(l.nodes)

	if l.owner != nil {
		owner := l.owner
		clear(l.Subscribers)
		clear(l.Remotes)
		clear(l.nodes)
		*l = SubscriberList{
			Subscribers: l.Subscribers[:0],
			Remotes:     l.Remotes[:0],
			nodes:       l.nodes[:0],
		}
		owner.scratchInUse = false
		return
	}
	l.released = true
}
