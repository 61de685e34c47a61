// Package queue provides the bounded in-memory queue used for subscription
// and remote-server delivery.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

// DefaultMaxMessages is used when a queue is created without a limit.
const DefaultMaxMessages = 5000

// Stats counts queue activity.
type Stats struct {
	Depth    int   `json:"depth"`
	Pending  int   `json:"pending"`
	Enqueued int64 `json:"enqueued"`
	Rejected int64 `json:"rejected"`
	Consumed int64 `json:"consumed"`
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore lets a durable queue delete the store references it wrote once
// their messages are consumed or discarded.
func WithStore(s store.Store) Option {
	return func(q *Queue) { q.store = s }
}

// Queue is a bounded FIFO of messages. Transactional puts hold a slot while
// pending and become visible when their transaction commits. The queue owns
// one usage reference on every message it holds; consumers take that
// reference over and Release the message when done.
//
// A durable queue writes a store reference for every persistent message put
// in a store transaction and deletes it when the message leaves the queue.
type Queue struct {
	name        string
	maxMessages int
	durable     bool
	log         *slog.Logger
	store       store.Store

	mu       sync.Mutex
	messages []*message.Message
	refs     map[string]int
	pending  int
	closed   bool
	ready    chan struct{}
	done     chan struct{}

	enqueued atomic.Int64
	rejected atomic.Int64
	consumed atomic.Int64
}

// New creates a queue. maxMessages <= 0 selects DefaultMaxMessages.
func New(name string, maxMessages int, durable bool, log *slog.Logger, opts ...Option) *Queue {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	if log == nil {
		log = slog.Default()
	}
	q := &Queue{
		name:        name,
		maxMessages: maxMessages,
		durable:     durable,
		log:         log,
		refs:        make(map[string]int),
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Factory returns a delivery.QueueFactory that creates Queues.
func Factory(log *slog.Logger) delivery.QueueFactory {
	return func(name string, maxMessages int, durable bool) delivery.Queue {
		return New(name, maxMessages, durable, log)
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Durable reports whether the queue records store references for
// persistent messages.
func (q *Queue) Durable() bool {
	return q.durable
}

// ReferenceKey is the store key of the reference this queue writes for
// msgID.
func (q *Queue) ReferenceKey(msgID string) string {
	return "ref/" + q.name + "/" + msgID
}

// Enqueue implements delivery.Queue.
func (q *Queue) Enqueue(ctx context.Context, opts delivery.PutOptions, tx delivery.Tx, msg *message.Message) error {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, delivery.ErrQueueClosed)
	}
	if len(q.messages)+q.pending >= q.maxMessages && !opts.IgnoreRejectNew {
		q.mu.Unlock()
		q.rejected.Add(1)
		return fmt.Errorf("queue %s: %w", q.name, delivery.ErrQueueFull)
	}
	if opts.Ref == delivery.RefAcquire {
		msg.Acquire()
	}
	if tx == nil {
		q.messages = append(q.messages, msg)
		q.mu.Unlock()
		q.enqueued.Add(1)
		q.signal()
		return nil
	}
	q.pending++
	q.mu.Unlock()

	ref := q.durable && msg.IsPersistent() && tx.Stream() != nil
	if ref {
		err := tx.Stream().Write(ctx, store.Record{
			Kind:      store.KindReference,
			Key:       q.ReferenceKey(msg.ID),
			Owner:     q.name,
			MessageID: msg.ID,
		})
		if err != nil {
			q.mu.Lock()
			q.pending--
			q.mu.Unlock()
			if opts.Ref == delivery.RefAcquire {
				msg.Release()
			}
			return fmt.Errorf("queue %s reference: %w", q.name, err)
		}
	}

	tx.OnCommit(func() { q.commitPut(msg, ref) })
	tx.OnRollback(func() { q.rollbackPut(msg) })
	return nil
}

func (q *Queue) commitPut(msg *message.Message, ref bool) {
	q.mu.Lock()
	q.pending--
	if q.closed {
		q.mu.Unlock()
		msg.Release()
		if ref {
			q.deleteRefs([]string{q.ReferenceKey(msg.ID)})
		}
		return
	}
	q.messages = append(q.messages, msg)
	if ref {
		q.refs[msg.ID]++
	}
	q.mu.Unlock()
	q.enqueued.Add(1)
	q.signal()
}

// Restore appends a message recovered from the store together with the
// reference the queue already holds for it.
func (q *Queue) Restore(msg *message.Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, delivery.ErrQueueClosed)
	}
	q.messages = append(q.messages, msg)
	q.refs[msg.ID]++
	q.mu.Unlock()
	q.enqueued.Add(1)
	q.signal()
	return nil
}

// takeRefLocked returns the reference key held for msg, or "".
func (q *Queue) takeRefLocked(msg *message.Message) string {
	n, ok := q.refs[msg.ID]
	if !ok {
		return ""
	}
	if n <= 1 {
		delete(q.refs, msg.ID)
	} else {
		q.refs[msg.ID] = n - 1
	}
	return q.ReferenceKey(msg.ID)
}

// deleteRefs removes store references in one store transaction. Without a
// store they are left for recovery to find.
func (q *Queue) deleteRefs(keys []string) {
	if q.store == nil || len(keys) == 0 {
		return
	}
	ctx := context.Background()
	st := q.store.NewStream()
	for _, k := range keys {
		if err := st.Delete(ctx, k); err != nil {
			_ = st.Rollback(ctx)
			q.log.Warn("queue: failed to delete references", "queue", q.name, "error", err)
			return
		}
	}
	if err := st.Commit(ctx); err != nil {
		q.log.Warn("queue: failed to delete references", "queue", q.name, "count", len(keys), "error", err)
	}
}

func (q *Queue) rollbackPut(msg *message.Message) {
	q.mu.Lock()
	q.pending--
	q.mu.Unlock()
	msg.Release()
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryReceive removes the oldest visible message without blocking. Its
// store reference, if any, is deleted.
func (q *Queue) TryReceive() (*message.Message, bool) {
	q.mu.Lock()
	if len(q.messages) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	msg := q.messages[0]
	q.messages[0] = nil
	q.messages = q.messages[1:]
	if len(q.messages) > 0 {
		q.signal()
	}
	key := q.takeRefLocked(msg)
	q.mu.Unlock()

	q.consumed.Add(1)
	if key != "" {
		q.deleteRefs([]string{key})
	}
	return msg, true
}

// Receive blocks until a message is visible, the queue closes or ctx ends.
func (q *Queue) Receive(ctx context.Context) (*message.Message, error) {
	for {
		if msg, ok := q.TryReceive(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, fmt.Errorf("queue %s: %w", q.name, delivery.ErrQueueClosed)
		case <-q.ready:
		}
	}
}

// Drain removes and returns every visible message.
func (q *Queue) Drain() []*message.Message {
	q.mu.Lock()
	out := q.messages
	q.messages = nil
	keys := q.takeRefsLocked(out)
	q.mu.Unlock()

	q.consumed.Add(int64(len(out)))
	q.deleteRefs(keys)
	return out
}

func (q *Queue) takeRefsLocked(msgs []*message.Message) []string {
	var keys []string
	for _, msg := range msgs {
		if key := q.takeRefLocked(msg); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Depth returns the number of visible messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	depth, pending := len(q.messages), q.pending
	q.mu.Unlock()
	return Stats{
		Depth:    depth,
		Pending:  pending,
		Enqueued: q.enqueued.Load(),
		Rejected: q.rejected.Load(),
		Consumed: q.consumed.Load(),
	}
}

// Close discards queued messages with their store references and wakes
// receivers. Close is idempotent.
func (q *Queue) Close() error {
	return q.close(true)
}

// Shutdown closes the queue like Close but keeps its store references, so
// that a durable queue can be restored after a restart.
func (q *Queue) Shutdown() error {
	return q.close(false)
}

func (q *Queue) close(forget bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.messages
	q.messages = nil
	var keys []string
	if forget {
		keys = q.takeRefsLocked(dropped)
	}
	clear(q.refs)
	q.mu.Unlock()

	q.deleteRefs(keys)
	for _, msg := range dropped {
		msg.Release()
	}
	close(q.done)
	if len(dropped) > 0 {
		q.log.Debug("queue: closed with messages", "queue", q.name, "dropped", len(dropped))
	}
	return nil
}

// Verify that Queue implements the delivery.Queue interface at compile time
var _ delivery.Queue = (*Queue)(nil)
