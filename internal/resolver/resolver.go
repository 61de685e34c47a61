// Package resolver turns a published topic into the list of subscriptions
// and remote targets that should receive it.
//
// Each Worker keeps a bounded cache from topic to matching tree nodes. The
// cache is tagged with the tree generation it was filled at and is cleared
// wholesale as soon as the tree moves on. Only nodes are cached; subscribers
// are always read from the nodes at resolve time.
package resolver

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/topictree"
)

const (
	// DefaultCacheCapacity is the per-worker cache size.
	DefaultCacheCapacity = 512
	// DefaultFanInBoundary is the number of walks after which a single
	// literal node is treated as a fan-in topic.
	DefaultFanInBoundary = 100
)

// Config configures a Resolver.
type Config struct {
	CacheCapacity int
	// FanInBoundary is the walk count above which a single literal node
	// is cached as fan-in even with one subscriber.
	FanInBoundary int

	// DisableCache makes every resolve walk the tree.
	DisableCache bool

	Logger *slog.Logger
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = DefaultCacheCapacity
	}
	if c.FanInBoundary <= 0 {
		c.FanInBoundary = DefaultFanInBoundary
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are resolver-wide cache counters.
type Stats struct {
	Resolves      int64 `json:"resolves"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions"`
}

// Resolver resolves topics against a tree.
type Resolver struct {
	tree *topictree.Tree
	cfg  Config
	log  *slog.Logger

	workers sync.Pool

	resolves      atomic.Int64
	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	evictions     atomic.Int64
}

// New creates a resolver over tree.
func New(tree *topictree.Tree, cfg Config) *Resolver {
	cfg.SetDefaults()
	r := &Resolver{
		tree: tree,
		cfg:  cfg,
		log:  cfg.Logger,
	}
	r.workers.New = func() any { return r.NewWorker() }
	return r
}

// Tree returns the tree the resolver reads.
func (r *Resolver) Tree() *topictree.Tree {
	return r.tree
}

// NewWorker creates a worker with an empty cache.
func (r *Resolver) NewWorker() *Worker {
	return &Worker{
		r:     r,
		cache: make(map[string][]*topictree.Node),
	}
}

// AcquireWorker takes a worker from the pool. The caller owns it until
// ReleaseWorker.
func (r *Resolver) AcquireWorker() *Worker {
	return r.workers.Get().(*Worker)
}

// ReleaseWorker returns w to the pool.
func (r *Resolver) ReleaseWorker(w *Worker) {
	if w == nil || w.depth != 0 {
		return
	}
	r.workers.Put(w)
}

// Stats returns a snapshot of the cache counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		Resolves:      r.resolves.Load(),
		Hits:          r.hits.Load(),
		Misses:        r.misses.Load(),
		Invalidations: r.invalidations.Load(),
		Evictions:     r.evictions.Load(),
	}
}
