package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/queue"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// MemberStats describes one member link.
type MemberStats struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Refs      int32  `json:"refs"`
	LowDepth  int    `json:"lowDepth"`
	HighDepth int    `json:"highDepth"`
	Sent      int64  `json:"sent"`
	Dropped   int64  `json:"dropped"`
}

// Member is the link to another cluster member. It is the remote target
// the topic tree records interest for: messages put on its queues are sent
// to the member by one sender goroutine per queue.
type Member struct {
	id      string
	address string
	origin  string
	cfg     Config
	log     *slog.Logger
	conn    *grpc.ClientConn

	low  *queue.Queue
	high *queue.Queue

	refs    atomic.Int32
	sent    atomic.Int64
	dropped atomic.Int64
}

func newMember(id, address string, conn *grpc.ClientConn, cfg Config) *Member {
	log := cfg.Logger.With("member", id)
	return &Member{
		id:      id,
		address: address,
		origin:  cfg.NodeID,
		cfg:     cfg,
		log:     log,
		conn:    conn,
		low:     queue.New("cluster/"+id+"/low", cfg.LowQueueSize, false, log),
		high:    queue.New("cluster/"+id+"/high", cfg.HighQueueSize, false, log),
	}
}

// ID returns the member's node ID.
func (m *Member) ID() string {
	return m.id
}

// Address returns the member's network address.
func (m *Member) Address() string {
	return m.address
}

// Acquire takes a reference on behalf of a tree node or subscriber list.
func (m *Member) Acquire() {
	m.refs.Add(1)
}

// Release drops a reference.
func (m *Member) Release() {
	if n := m.refs.Add(-1); n < 0 {
		rc.Violation("cluster", "member %s reference count underflowed to %d", m.id, n)
	}
}

// LowQoS returns the queue for unreliable messages.
func (m *Member) LowQoS() delivery.Queue {
	return m.low
}

// HighQoS returns the queue for reliable messages.
func (m *Member) HighQoS() delivery.Queue {
	return m.high
}

// Stats returns a snapshot of the link counters.
func (m *Member) Stats() MemberStats {
	return MemberStats{
		ID:        m.id,
		Address:   m.address,
		Refs:      m.refs.Load(),
		LowDepth:  m.low.Depth(),
		HighDepth: m.high.Depth(),
		Sent:      m.sent.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// SendInterest tells the member about a change of local interest.
func (m *Member) SendInterest(ctx context.Context, in Interest) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	if err := m.conn.Invoke(ctx, interestMethod, encodeInterest(in), new(emptypb.Empty)); err != nil {
		return fmt.Errorf("interest to %s: %w", m.id, err)
	}
	return nil
}

func (m *Member) send(ctx context.Context, msg *message.Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()
	return m.conn.Invoke(ctx, forwardMethod, encodeMessage(msg, m.origin), new(emptypb.Empty))
}

// run sends messages from q until the queue closes or ctx ends. Reliable
// messages are retried; unreliable ones get a single attempt.
func (m *Member) run(ctx context.Context, q *queue.Queue, reliable bool) {
	for {
		msg, err := q.Receive(ctx)
		if err != nil {
			return
		}
		m.deliver(ctx, msg, reliable)
		msg.Release()
	}
}

func (m *Member) deliver(ctx context.Context, msg *message.Message, reliable bool) {
	attempts := 1
	if reliable {
		attempts = m.cfg.MaxRetries
	}
	for i := range attempts {
		err := m.send(ctx, msg)
		if err == nil {
			m.sent.Add(1)
			return
		}
		if ctx.Err() != nil {
			break
		}
		m.log.Warn("cluster: forward failed", "topic", msg.Topic, "id", msg.ID, "attempt", i+1, "error", err)
		if i+1 < attempts {
			select {
			case <-ctx.Done():
			case <-time.After(m.cfg.RetryInterval):
			}
		}
	}
	m.dropped.Add(1)
}

func (m *Member) close() error {
	_ = m.low.Close()
	_ = m.high.Close()
	return m.conn.Close()
}

// Verify that Member implements the delivery.RemoteTarget interface at compile time
var _ delivery.RemoteTarget = (*Member)(nil)
