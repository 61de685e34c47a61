// Package clients defines the client/session registry contract used by the
// fan-out engine, and the resource sets publish statistics are attributed to.
package clients

import (
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
)

// Registry answers the two questions the core asks about clients. The core
// never mutates client state.
type Registry interface {
	Exists(clientID string) bool
	ResourceSetOf(clientID string) *ResourceSet
}

// QoSStats are the publish counters for one reliability class.
type QoSStats struct {
	Messages      int64 `json:"messages"`
	Bytes         int64 `json:"bytes"`
	MaxRecipients int64 `json:"maxRecipients"`
}

// ResourceSet is an accounting bucket, typically one per tenant.
type ResourceSet struct {
	name  string
	stats [3]qosCounters
}

type qosCounters struct {
	messages      atomic.Int64
	bytes         atomic.Int64
	maxRecipients atomic.Int64
}

// NewResourceSet creates an empty resource set.
func NewResourceSet(name string) *ResourceSet {
	return &ResourceSet{name: name}
}

// Name returns the resource set name.
func (r *ResourceSet) Name() string {
	return r.name
}

// RecordPublish attributes one publish to the set.
func (r *ResourceSet) RecordPublish(rel message.Reliability, bytes int64, recipients int) {
	if r == nil || rel < message.AtMostOnce || rel > message.ExactlyOnce {
		return
	}
	c := &r.stats[rel]
	c.messages.Add(1)
	c.bytes.Add(bytes)
	for {
		cur := c.maxRecipients.Load()
		if int64(recipients) <= cur || c.maxRecipients.CompareAndSwap(cur, int64(recipients)) {
			return
		}
	}
}

// Snapshot returns the counters keyed by reliability name.
func (r *ResourceSet) Snapshot() map[string]QoSStats {
	out := make(map[string]QoSStats, len(r.stats))
	for i := range r.stats {
		c := &r.stats[i]
		out[message.Reliability(i).String()] = QoSStats{
			Messages:      c.messages.Load(),
			Bytes:         c.bytes.Load(),
			MaxRecipients: c.maxRecipients.Load(),
		}
	}
	return out
}

// Sets is a named collection of resource sets with a default.
type Sets struct {
	mu   sync.RWMutex
	def  *ResourceSet
	sets map[string]*ResourceSet
}

// DefaultSetName names the set used when a client has no explicit one.
const DefaultSetName = "default"

// NewSets creates a collection holding only the default set.
func NewSets() *Sets {
	def := NewResourceSet(DefaultSetName)
	return &Sets{def: def, sets: map[string]*ResourceSet{DefaultSetName: def}}
}

// Default returns the default set.
func (s *Sets) Default() *ResourceSet {
	return s.def
}

// Get returns the named set, creating it on first use.
func (s *Sets) Get(name string) *ResourceSet {
	if name == "" {
		return s.def
	}
	s.mu.RLock()
	rs, ok := s.sets[name]
	s.mu.RUnlock()
	if ok {
		return rs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok = s.sets[name]; !ok {
		rs = NewResourceSet(name)
		s.sets[name] = rs
	}
	return rs
}

// All returns every set.
func (s *Sets) All() []*ResourceSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ResourceSet, 0, len(s.sets))
	for _, rs := range s.sets {
		out = append(out, rs)
	}
	return out
}
