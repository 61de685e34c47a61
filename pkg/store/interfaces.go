package store

import (
	"context"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

var (
	// ErrInsufficientSpace is returned by Reserve when the store cannot hold
	// the requested bytes or references.
	ErrInsufficientSpace = fmt.Errorf("%w: insufficient store space", rc.ErrResourceExhausted)
	// ErrNoReservation is returned by Write when no reservation is active on the stream.
	ErrNoReservation = fmt.Errorf("%w: no active reservation", rc.ErrResourceExhausted)
	// ErrReservationExceeded is returned by Write when a write would exceed the reservation.
	ErrReservationExceeded = fmt.Errorf("%w: reservation exceeded", rc.ErrResourceExhausted)
)

// Kind identifies the type of a store record.
type Kind int

const (
	// KindMessage holds a persistent message body.
	KindMessage Kind = iota
	// KindReference records that a queue holds a message.
	KindReference
	// KindRetained holds the retained message for a topic.
	KindRetained
	// KindTombstone marks a cleared retained topic.
	KindTombstone
	// KindSubscription holds a durable subscription definition.
	KindSubscription
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindReference:
		return "reference"
	case KindRetained:
		return "retained"
	case KindTombstone:
		return "tombstone"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// MessageKey is the store key of a persistent message body. The body is
// kept while at least one reference record names its message ID.
func MessageKey(id string) string {
	return "msg/" + id
}

// SubscriptionKey is the store key of a durable subscription definition.
func SubscriptionKey(clientID, name string) string {
	return "sub/" + clientID + "/" + name
}

// Subscription is the persisted definition of a durable subscription.
type Subscription struct {
	ClientID    string
	Name        string
	Pattern     string
	QoS         message.Reliability
	Options     uint32
	Selector    string
	MaxMessages int
}

// Record is one store write. Message is set for KindMessage and KindRetained,
// Subscription for KindSubscription.
type Record struct {
	Kind         Kind
	Key          string
	Owner        string
	MessageID    string
	Message      *message.Message
	Subscription *Subscription
}

// RefCount is the number of store references the record consumes.
func (r Record) RefCount() int {
	if r.Kind == KindMessage {
		return 0
	}
	return 1
}

// Stats describes store usage.
type Stats struct {
	CapacityBytes int64
	UsedBytes     int64
	ReservedBytes int64
	ReservedRefs  int
	Records       int64
	Commits       int64
	Rollbacks     int64
}

// Store is the persistent store collaborator. Work is done through streams;
// each worker owns one stream and uses it for at most one store transaction
// at a time.
type Store interface {
	io.Closer

	// NewStream opens a stream for a single worker.
	NewStream() Stream

	// Stats returns a usage snapshot.
	Stats() Stats
}

// Stream is a sequence of store transactions. Reserve must precede any Write
// in a transaction; Delete needs no reservation. Commit makes the writes
// durable, Rollback discards them, and CancelReservation releases unused
// reserved capacity when nothing was written.
type Stream interface {
	Reserve(ctx context.Context, bytes int64, refs int) error
	Write(ctx context.Context, rec Record) error
	Delete(ctx context.Context, key string) error
	PendingOps() int
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	CancelReservation(ctx context.Context) error
}
