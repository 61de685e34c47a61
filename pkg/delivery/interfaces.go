package delivery

import (
	"context"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = fmt.Errorf("%w: queue full", rc.ErrCapacity)
	// ErrQueueClosed is returned by Enqueue once the queue has been closed.
	ErrQueueClosed = fmt.Errorf("queue %w", rc.ErrClosed)
)

// RefKind says whether Enqueue takes its own message reference.
type RefKind int

const (
	// RefInherit means the caller already counted the queue's reference.
	RefInherit RefKind = iota
	// RefAcquire means the queue must acquire a reference itself.
	RefAcquire
)

// PutOptions modify a single enqueue.
type PutOptions struct {
	Ref RefKind

	// IgnoreRejectNew lets a reliable message from the cluster forwarder
	// through a queue whose policy would otherwise reject new messages.
	IgnoreRejectNew bool
}

// Tx is the view of a transaction that queues need. Work registered with
// OnCommit runs when the transaction commits; OnRollback when it is rolled
// back. Stream is nil for non-persistent transactions.
type Tx interface {
	ID() string
	OnCommit(fn func())
	OnRollback(fn func())
	Stream() store.Stream
}

// Queue holds messages for one subscription or remote server.
type Queue interface {
	io.Closer

	// Name identifies the queue in store references and diagnostics.
	Name() string

	// Enqueue puts msg on the queue. With a non-nil tx the message only
	// becomes visible when tx commits.
	Enqueue(ctx context.Context, opts PutOptions, tx Tx, msg *message.Message) error

	// Depth returns the number of visible messages.
	Depth() int
}

// QueueFactory creates the queue for a new subscription.
type QueueFactory func(name string, maxMessages int, durable bool) Queue

// RemoteTarget is a remote cluster member that receives copies of messages
// matching the patterns it registered interest in.
type RemoteTarget interface {
	ID() string
	Acquire()
	Release()

	// LowQoS receives unreliable messages; errors are ignored.
	LowQoS() Queue
	// HighQoS receives reliable messages; errors fail the publish.
	HighQoS() Queue
}
