// Package subscription holds the Subscription object shared by the topic
// tree, the named-subscription lists and the fan-out engine.
//
// A subscription starts with a use-count of one, owned jointly by the indices
// that link it (the tree node and the client's named list). Every other
// holder, such as an in-flight subscriber list, calls Acquire and Release.
// The subscription is torn down, and its queue closed, when the count drops
// to zero after it has been unlinked from both indices.
package subscription

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/hashtable"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/clients"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
)

// Attr is an internal attribute bit.
type Attr uint32

const (
	// Importing is set while a subscription is being rehydrated; it
	// receives no messages until cleared.
	Importing Attr = 1 << iota
	// UnlinkedFromTree is set once the tree node no longer lists it.
	UnlinkedFromTree
	// UnlinkedFromList is set once the client's named list no longer holds it.
	UnlinkedFromList
	// Freed is set when the subscription has been torn down.
	Freed

	unlinked = UnlinkedFromTree | UnlinkedFromList
)

// Config describes a new subscription.
type Config struct {
	ClientID    string
	Name        string
	Pattern     string
	QoS         message.Reliability
	Options     delivery.SubOptions
	Selector    selector.Rule
	ResourceSet *clients.ResourceSet
	Queue       delivery.Queue

	// OnFree runs once when the subscription is torn down.
	OnFree func(*Subscription)
}

// Subscription is one registration against a topic pattern.
type Subscription struct {
	ClientID    string
	Name        string
	NameHash    uint32
	Pattern     string
	QoS         message.Reliability
	Options     delivery.SubOptions
	Selector    selector.Rule
	ResourceSet *clients.ResourceSet
	Queue       delivery.Queue
	CreatedAt   time.Time

	useCount atomic.Int32
	attrs    atomic.Uint32
	shared   *Shared
	onFree   func(*Subscription)
	freeOnce sync.Once
}

// New creates a subscription holding the index reference. A subscription
// created with the Shared option starts with its creator as the only member.
func New(cfg Config) *Subscription {
	name := cfg.Name
	if name == "" {
		name = cfg.Pattern
	}
	opts := cfg.Options
	if cfg.Selector != nil {
		opts |= delivery.MessageSelection
	}

	s := &Subscription{
		ClientID:    cfg.ClientID,
		Name:        name,
		NameHash:    hashtable.HashString(name),
		Pattern:     cfg.Pattern,
		QoS:         cfg.QoS,
		Options:     opts,
		Selector:    cfg.Selector,
		ResourceSet: cfg.ResourceSet,
		Queue:       cfg.Queue,
		CreatedAt:   time.Now().UTC(),
		onFree:      cfg.OnFree,
	}
	if opts.Has(delivery.Shared) {
		s.shared = &Shared{}
		s.shared.Join(cfg.ClientID, cfg.QoS)
	}
	s.useCount.Store(1)
	return s
}

// UseCount returns the current use-count.
func (s *Subscription) UseCount() int32 {
	return s.useCount.Load()
}

// Acquire takes a reference. Acquiring a freed subscription is a
// consistency violation.
func (s *Subscription) Acquire() {
	if s.useCount.Add(1) <= 1 {
		rc.Violation("subscription", "acquire of released subscription %s/%s", s.ClientID, s.Name)
	}
}

// Release drops a reference, tearing the subscription down on the last one.
func (s *Subscription) Release() {
	n := s.useCount.Add(-1)
	switch {
	case n < 0:
		rc.Violation("subscription", "use-count of %s/%s underflowed to %d", s.ClientID, s.Name, n)
	case n == 0:
		if Attr(s.attrs.Load())&unlinked != unlinked {
			rc.Violation("subscription", "use-count of %s/%s reached zero while still linked", s.ClientID, s.Name)
		}
		s.free()
	}
}

func (s *Subscription) free() {
	s.freeOnce.Do(func() {
		s.setAttr(Freed)
		if s.Queue != nil {
			_ = s.Queue.Close()
		}
		if s.onFree != nil {
			s.onFree(s)
		}
	})
}

func (s *Subscription) setAttr(a Attr) {
	for {
		old := s.attrs.Load()
		if s.attrs.CompareAndSwap(old, old|uint32(a)) {
			return
		}
	}
}

func (s *Subscription) clearAttr(a Attr) {
	for {
		old := s.attrs.Load()
		if s.attrs.CompareAndSwap(old, old&^uint32(a)) {
			return
		}
	}
}

// HasAttr reports whether all bits of a are set.
func (s *Subscription) HasAttr(a Attr) bool {
	return Attr(s.attrs.Load())&a == a
}

// MarkUnlinked records removal from one of the indices.
func (s *Subscription) MarkUnlinked(a Attr) {
	s.setAttr(a & unlinked)
}

// Freed reports whether the subscription has been torn down.
func (s *Subscription) Freed() bool {
	return s.HasAttr(Freed)
}

// SetImporting sets or clears the importing attribute.
func (s *Subscription) SetImporting(importing bool) {
	if importing {
		s.setAttr(Importing)
	} else {
		s.clearAttr(Importing)
	}
}

// Importing reports whether the subscription is being rehydrated.
func (s *Subscription) Importing() bool {
	return s.HasAttr(Importing)
}

// RequiresSelection reports whether delivery to this subscription has to go
// through the filter chain.
func (s *Subscription) RequiresSelection() bool {
	return s.Selector != nil ||
		s.Options&(delivery.NoLocal|delivery.ReliableOnly|delivery.UnreliableOnly) != 0 ||
		s.Importing()
}

// Shared returns the shared-subscription metadata, or nil.
func (s *Subscription) Shared() *Shared {
	return s.shared
}

// RejectionMeansFailure reports whether a queue rejecting msg for this
// subscription has to fail the publish. Unreliable messages never do, nor do
// unshared at-most-once subscriptions.
func (s *Subscription) RejectionMeansFailure(msg *message.Message) bool {
	if msg.Unreliable() {
		return false
	}
	return s.QoS != message.AtMostOnce || s.shared != nil
}
