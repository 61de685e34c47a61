package fanout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/clientreg"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/queue"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/resolver"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/retained"
	iselector "github.com/rmacdonaldsmith/topicmesh-go/internal/selector"
	istore "github.com/rmacdonaldsmith/topicmesh-go/internal/store"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/topictree"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/txn"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
	pstore "github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

type harness struct {
	tree   *topictree.Tree
	engine *Engine
	eval   *iselector.Evaluator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	tree := topictree.New(topictree.Config{})
	eval := iselector.NewEvaluator(0, nil)
	if cfg.Evaluator == nil {
		cfg.Evaluator = eval
	}
	return &harness{
		tree:   tree,
		engine: New(resolver.New(tree, resolver.Config{}), cfg),
		eval:   eval,
	}
}

type subParams struct {
	client   string
	pattern  string
	qos      message.Reliability
	opts     delivery.SubOptions
	selector string
	max      int
	durable  bool
}

func (h *harness) subscribe(t *testing.T, p subParams) *queue.Queue {
	t.Helper()
	var rule selector.Rule
	if p.selector != "" {
		var err error
		rule, err = h.eval.Compile(p.selector)
		require.NoError(t, err)
	}
	q := queue.New(p.client+"/"+p.pattern, p.max, p.durable, nil)
	sub := subscription.New(subscription.Config{
		ClientID: p.client,
		Pattern:  p.pattern,
		QoS:      p.qos,
		Options:  p.opts,
		Selector: rule,
		Queue:    q,
	})
	require.NoError(t, h.tree.AddSubscription(sub))
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func (h *harness) publish(t *testing.T, req PublishRequest) Result {
	t.Helper()
	res, err := h.engine.Publish(context.Background(), nil, req)
	require.NoError(t, err)
	return res
}

// fill occupies every slot of q.
func fill(t *testing.T, q *queue.Queue, n int) {
	t.Helper()
	for range n {
		require.NoError(t, q.Enqueue(context.Background(), delivery.PutOptions{Ref: delivery.RefAcquire}, nil, message.New("filler", nil)))
	}
}

type remote struct {
	id        string
	low, high *queue.Queue
}

func newRemote(t *testing.T, id string, max int) *remote {
	r := &remote{id: id, low: queue.New(id+"/low", max, false, nil), high: queue.New(id+"/high", max, false, nil)}
	t.Cleanup(func() {
		_ = r.low.Close()
		_ = r.high.Close()
	})
	return r
}

func (r *remote) ID() string              { return r.id }
func (r *remote) Acquire()                {}
func (r *remote) Release()                {}
func (r *remote) LowQoS() delivery.Queue  { return r.low }
func (r *remote) HighQoS() delivery.Queue { return r.high }

func TestPublish_Validation(t *testing.T) {
	h := newHarness(t, Config{})

	_, err := h.engine.Publish(context.Background(), nil, PublishRequest{})
	assert.ErrorIs(t, err, ErrNilMessage)

	_, err = h.engine.Publish(context.Background(), nil, PublishRequest{Message: message.New("a/+", nil)})
	assert.ErrorIs(t, err, rc.ErrValidation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.engine.Publish(ctx, nil, PublishRequest{Message: message.New("a", nil)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublish_SelectorSubset(t *testing.T) {
	h := newHarness(t, Config{})
	q := h.subscribe(t, subParams{client: "c1", pattern: "colours/#", selector: `.Colour == "BLUE"`, max: 100})

	w := h.engine.Resolver().NewWorker()
	for i := range 18 {
		colour := "RED"
		if i%9 < 5 {
			colour = "BLUE"
		}
		msg := message.NewWithProperties(fmt.Sprintf("colours/%d", i%3), nil, map[string]any{"Colour": colour})
		_, err := h.engine.Publish(context.Background(), w, PublishRequest{Message: msg, PublisherID: "pub"})
		require.NoError(t, err)
	}

	assert.Equal(t, 10, q.Depth())
	for _, m := range q.Drain() {
		assert.Equal(t, "BLUE", m.Properties["Colour"])
	}
	stats := h.engine.Stats()
	assert.Equal(t, int64(18), stats.Publishes)
	assert.Equal(t, int64(10), stats.Delivered)
	assert.Equal(t, int64(8), stats.Skipped)
}

func TestPublish_ReliabilityRestricted(t *testing.T) {
	h := newHarness(t, Config{})
	reliable := h.subscribe(t, subParams{client: "c1", pattern: "mixed", opts: delivery.ReliableOnly, max: 100})
	unreliable := h.subscribe(t, subParams{client: "c2", pattern: "mixed", opts: delivery.UnreliableOnly, max: 100})

	const total = 30
	wantReliable := 0
	for i := range total {
		msg := message.New("mixed", []byte{byte(i)})
		msg.Reliability = message.Reliability(i % 3)
		if !msg.Unreliable() {
			wantReliable++
		}
		h.publish(t, PublishRequest{Message: msg})
	}

	assert.Equal(t, wantReliable, reliable.Depth())
	assert.Equal(t, total-wantReliable, unreliable.Depth())
	assert.Equal(t, total, reliable.Depth()+unreliable.Depth())
}

func TestPublish_UsageSettles(t *testing.T) {
	h := newHarness(t, Config{})
	own := h.subscribe(t, subParams{client: "pub", pattern: "a/+", opts: delivery.NoLocal})
	full := h.subscribe(t, subParams{client: "c1", pattern: "a/b", max: 1})
	fill(t, full, 1)
	q1 := h.subscribe(t, subParams{client: "c2", pattern: "a/#"})
	q2 := h.subscribe(t, subParams{client: "c3", pattern: "+/b"})

	msg := message.New("a/b", []byte("x"))
	res := h.publish(t, PublishRequest{Message: msg, PublisherID: "pub"})

	assert.Equal(t, 4, res.Subscribers)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, rc.OK, res.Code, "codes are off unless requested")
	assert.Equal(t, 0, own.Depth())
	assert.Equal(t, int32(3), msg.Usage(), "publisher plus two queues")

	for _, q := range []*queue.Queue{q1, q2} {
		got, ok := q.TryReceive()
		require.True(t, ok)
		assert.False(t, got.Release())
	}
	assert.True(t, msg.Release(), "publisher holds the last reference")
}

func TestPublish_RejectionPolicy(t *testing.T) {
	t.Run("sole reliable recipient fails the publish", func(t *testing.T) {
		h := newHarness(t, Config{})
		q := h.subscribe(t, subParams{client: "c1", pattern: "a", qos: message.AtLeastOnce, max: 1})
		fill(t, q, 1)

		msg := message.New("a", nil)
		msg.Reliability = message.AtLeastOnce
		_, err := h.engine.Publish(context.Background(), nil, PublishRequest{Message: msg})
		assert.ErrorIs(t, err, ErrRejected)
		assert.ErrorIs(t, err, delivery.ErrQueueFull)
		assert.Equal(t, int32(1), msg.Usage())
		assert.Equal(t, int64(1), h.engine.Stats().Failures)
	})

	t.Run("unreliable messages are dropped quietly", func(t *testing.T) {
		h := newHarness(t, Config{})
		q := h.subscribe(t, subParams{client: "c1", pattern: "a", qos: message.AtLeastOnce, max: 1})
		fill(t, q, 1)

		res := h.publish(t, PublishRequest{Message: message.New("a", nil), Options: PublishOptions{InformationalCodes: true}})
		assert.Equal(t, 1, res.Rejected)
		assert.Equal(t, rc.AllDestinationsFull, res.Code)
	})

	t.Run("at-most-once unshared subscription may lose reliable messages", func(t *testing.T) {
		h := newHarness(t, Config{})
		q := h.subscribe(t, subParams{client: "c1", pattern: "a", qos: message.AtMostOnce, max: 1})
		fill(t, q, 1)

		msg := message.New("a", nil)
		msg.Reliability = message.ExactlyOnce
		res := h.publish(t, PublishRequest{Message: msg})
		assert.Equal(t, 1, res.Rejected)
	})

	t.Run("fail on rejection undoes the other deliveries", func(t *testing.T) {
		h := newHarness(t, Config{})
		full := h.subscribe(t, subParams{client: "c1", pattern: "a", qos: message.AtLeastOnce, max: 1})
		fill(t, full, 1)
		ok := h.subscribe(t, subParams{client: "c2", pattern: "#", qos: message.AtLeastOnce})

		msg := message.New("a", nil)
		msg.Reliability = message.AtLeastOnce

		res, err := h.engine.Publish(context.Background(), nil, PublishRequest{Message: msg})
		require.NoError(t, err, "one of several recipients being full is not fatal")
		assert.Equal(t, 1, res.Delivered)
		assert.Equal(t, 1, ok.Depth())

		msg2 := message.New("a", nil)
		msg2.Reliability = message.AtLeastOnce
		_, err = h.engine.Publish(context.Background(), nil, PublishRequest{Message: msg2, Options: PublishOptions{FailOnRejection: true}})
		assert.ErrorIs(t, err, ErrRejected)
		assert.Equal(t, 1, ok.Depth(), "the second message was rolled back")
		assert.Equal(t, int32(1), msg2.Usage())
	})
}

func TestPublish_InformationalCodes(t *testing.T) {
	codes := PublishOptions{InformationalCodes: true}

	h := newHarness(t, Config{})
	res := h.publish(t, PublishRequest{Message: message.New("nobody", nil), Options: codes})
	assert.Equal(t, rc.NoMatchingDestinations, res.Code)
	res = h.publish(t, PublishRequest{Message: message.New("nobody", nil)})
	assert.Equal(t, rc.OK, res.Code)

	full := h.subscribe(t, subParams{client: "c1", pattern: "a", max: 1})
	fill(t, full, 1)
	h.subscribe(t, subParams{client: "c2", pattern: "a"})
	res = h.publish(t, PublishRequest{Message: message.New("a", nil), Options: codes})
	assert.Equal(t, rc.SomeDestinationsFull, res.Code)

	r := newRemote(t, "member-2", 0)
	_, err := h.tree.AddRemoteInterest(r, "remote/#")
	require.NoError(t, err)
	res = h.publish(t, PublishRequest{Message: message.New("remote/x", nil), Options: codes})
	assert.Equal(t, rc.NoMatchingLocalDestinations, res.Code)
	assert.Equal(t, 1, res.Remotes)
	assert.Equal(t, 1, r.low.Depth())

	// Subscribers that the filter chain skips do not count as destinations.
	h.subscribe(t, subParams{client: "c3", pattern: "own", opts: delivery.NoLocal})
	res = h.publish(t, PublishRequest{Message: message.New("own", nil), PublisherID: "c3", Options: codes})
	assert.Equal(t, rc.NoMatchingDestinations, res.Code)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Delivered)

	h.subscribe(t, subParams{client: "c4", pattern: "paint", selector: `.Colour == "RED"`})
	res = h.publish(t, PublishRequest{Message: message.NewWithProperties("paint", nil, map[string]any{"Colour": "BLUE"}), Options: codes})
	assert.Equal(t, rc.NoMatchingDestinations, res.Code)

	h.subscribe(t, subParams{client: "c5", pattern: "remote/own", opts: delivery.NoLocal})
	res = h.publish(t, PublishRequest{Message: message.New("remote/own", nil), PublisherID: "c5", Options: codes})
	assert.Equal(t, rc.NoMatchingLocalDestinations, res.Code)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, r.low.Depth())

	res = h.publish(t, PublishRequest{Message: message.New("b", nil), Options: PublishOptions{InformationalCodes: true, OnlyUpdateRetained: true}})
	assert.Equal(t, rc.NothingToDo, res.Code)
}

func TestPublish_RemoteTargets(t *testing.T) {
	h := newHarness(t, Config{})
	r := newRemote(t, "member-2", 1)
	_, err := h.tree.AddRemoteInterest(r, "orders/#")
	require.NoError(t, err)

	unreliable := message.New("orders/1", nil)
	h.publish(t, PublishRequest{Message: unreliable})
	assert.Equal(t, 1, r.low.Depth())

	// The low queue is full now; unreliable traffic is dropped without error.
	res := h.publish(t, PublishRequest{Message: message.New("orders/2", nil)})
	assert.Equal(t, 1, res.Rejected)

	reliable := message.New("orders/3", nil)
	reliable.Reliability = message.AtLeastOnce
	h.publish(t, PublishRequest{Message: reliable})
	assert.Equal(t, 1, r.high.Depth())

	again := message.New("orders/4", nil)
	again.Reliability = message.AtLeastOnce
	_, err = h.engine.Publish(context.Background(), nil, PublishRequest{Message: again})
	assert.ErrorIs(t, err, ErrRemoteRejected)
	assert.Equal(t, int32(1), again.Usage())

	assert.Equal(t, int64(2), h.engine.Stats().ForwardedOut)

	// System topics never leave this member.
	_, err = h.tree.AddRemoteInterest(r, "$SYS/#")
	require.NoError(t, err)
	res = h.publish(t, PublishRequest{Message: message.New("$SYS/uptime", nil)})
	assert.Zero(t, res.Remotes)
}

func TestPublish_FromForwarder(t *testing.T) {
	h := newHarness(t, Config{})
	shared := h.subscribe(t, subParams{client: "c1", pattern: "a/#", opts: delivery.ShareWithCluster})
	local := h.subscribe(t, subParams{client: "c2", pattern: "a/#"})
	r := newRemote(t, "member-2", 0)
	_, err := h.tree.AddRemoteInterest(r, "a/#")
	require.NoError(t, err)

	msg := message.New("a/b", []byte("payload"))
	res := h.publish(t, PublishRequest{Message: msg, Options: PublishOptions{FromForwarder: true}})

	assert.Equal(t, 1, shared.Depth())
	assert.Equal(t, 0, local.Depth())
	assert.Zero(t, res.Remotes, "forwarded messages are not sent back out")
	assert.Equal(t, 0, r.low.Depth())

	stats := h.engine.Stats()
	assert.Equal(t, int64(1), stats.ForwardedIn)
	assert.Equal(t, int64(len("payload")), stats.ForwardedInBytes)
}

func TestPublish_DefaultSelectorEvaluatedOnce(t *testing.T) {
	eval := iselector.NewEvaluator(0, nil)
	rule, err := eval.Compile(`.Colour == "BLUE"`)
	require.NoError(t, err)
	h := newHarness(t, Config{Evaluator: eval, DefaultSelector: rule})
	h.eval = eval

	var queues []*queue.Queue
	for i := range 3 {
		queues = append(queues, h.subscribe(t, subParams{client: fmt.Sprintf("c%d", i), pattern: "paint"}))
	}
	specific := h.subscribe(t, subParams{client: "c9", pattern: "paint", selector: `.Colour == "RED"`})

	res := h.publish(t, PublishRequest{Message: message.NewWithProperties("paint", nil, map[string]any{"Colour": "BLUE"})})
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	for _, q := range queues {
		assert.Equal(t, 1, q.Depth())
	}
	assert.Equal(t, 0, specific.Depth())

	stats := h.engine.Stats()
	assert.Equal(t, int64(2), stats.SelectorEvaluations)
	assert.Equal(t, int64(2), stats.SelectorCacheHits)
}

func TestPublish_ImportingSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	q := queue.New("imp", 0, false, nil)
	defer q.Close()
	sub := subscription.New(subscription.Config{ClientID: "c1", Pattern: "a", Queue: q})
	sub.SetImporting(true)
	require.NoError(t, h.tree.AddSubscription(sub))

	res := h.publish(t, PublishRequest{Message: message.New("a", nil)})
	assert.Equal(t, 1, res.Skipped)

	sub.SetImporting(false)
	res = h.publish(t, PublishRequest{Message: message.New("a", nil)})
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, q.Depth())
}

func TestPublish_PersistentMessage(t *testing.T) {
	ctx := context.Background()
	st := istore.NewMemory(istore.Config{})
	defer st.Close()
	h := newHarness(t, Config{Store: st})
	q := h.subscribe(t, subParams{client: "c1", pattern: "orders/#", qos: message.AtLeastOnce, durable: true})
	h.subscribe(t, subParams{client: "c2", pattern: "orders/#"})

	msg := message.New("orders/1", []byte("body"))
	msg.Reliability = message.AtLeastOnce
	msg.Persistence = message.Persistent
	res := h.publish(t, PublishRequest{Message: msg})
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, q.Depth())

	rec, err := st.Get(ctx, pstore.MessageKey(msg.ID))
	require.NoError(t, err)
	assert.Equal(t, msg.ID, rec.MessageID)
	_, err = st.Get(ctx, q.ReferenceKey(msg.ID))
	require.NoError(t, err, "durable queue recorded its reference")

	stats := st.Stats()
	assert.Equal(t, int64(2), stats.Records)
	assert.Zero(t, stats.ReservedRefs, "unused reservation is returned at commit")
}

func TestPublish_ReservationFailureLeavesNoTrace(t *testing.T) {
	st := istore.NewMemory(istore.Config{MaxRefs: 1})
	defer st.Close()
	h := newHarness(t, Config{Store: st})
	q1 := h.subscribe(t, subParams{client: "c1", pattern: "a", durable: true})
	q2 := h.subscribe(t, subParams{client: "c2", pattern: "a", durable: true})

	msg := message.New("a", []byte("x"))
	msg.Persistence = message.Persistent
	_, err := h.engine.Publish(context.Background(), nil, PublishRequest{Message: msg})
	assert.ErrorIs(t, err, rc.ErrResourceExhausted)

	assert.Equal(t, 0, q1.Depth())
	assert.Equal(t, 0, q2.Depth())
	assert.Equal(t, int32(1), msg.Usage())
	assert.Zero(t, st.Stats().Records)
	assert.Zero(t, st.Stats().ReservedRefs)
}

func TestPublish_CallerTransaction(t *testing.T) {
	ctx := context.Background()
	st := istore.NewMemory(istore.Config{})
	defer st.Close()
	h := newHarness(t, Config{Store: st})
	q := h.subscribe(t, subParams{client: "c1", pattern: "a", qos: message.AtLeastOnce, max: 2})

	tx := txn.New(txn.WithStream(st.NewStream()))
	msg := message.New("a", nil)
	msg.Reliability = message.AtLeastOnce
	msg.Persistence = message.Persistent
	_, err := h.engine.Publish(ctx, nil, PublishRequest{Message: msg, Tx: tx})
	require.NoError(t, err)
	assert.Equal(t, 0, q.Depth(), "invisible until the caller commits")

	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, 1, q.Depth())

	fill(t, q, 1)
	tx = txn.New(txn.WithStream(st.NewStream()))
	failed := message.New("a", nil)
	failed.Reliability = message.AtLeastOnce
	failed.Persistence = message.Persistent
	_, err = h.engine.Publish(ctx, nil, PublishRequest{Message: failed, Tx: tx})
	assert.ErrorIs(t, err, ErrRejected)
	assert.True(t, tx.RollbackOnly())
	assert.ErrorIs(t, tx.Commit(ctx), txn.ErrRollbackOnly)
	assert.Equal(t, int32(1), failed.Usage())
}

func TestPublish_Retained(t *testing.T) {
	ret := retained.New(nil)
	h := newHarness(t, Config{Retained: ret})
	q := h.subscribe(t, subParams{client: "c1", pattern: "status/#"})

	now := time.Now()
	msg := message.New("status/node1", []byte("up"))
	msg.Retain = true
	msg.Timestamp = now
	res := h.publish(t, PublishRequest{Message: msg})
	assert.True(t, res.RetainedUpdated)
	assert.Equal(t, 1, q.Depth())

	got, ok := ret.Get("status/node1")
	require.True(t, ok)
	assert.Equal(t, "up", string(got.Payload))

	only := message.New("status/node1", []byte("down"))
	only.Retain = true
	only.Timestamp = now.Add(time.Second)
	res = h.publish(t, PublishRequest{Message: only, Options: PublishOptions{OnlyUpdateRetained: true, InformationalCodes: true}})
	assert.Equal(t, rc.NothingToDo, res.Code)
	assert.Equal(t, 1, q.Depth(), "retained-only update is not delivered")

	stale := message.New("status/node1", []byte("stale"))
	stale.Retain = true
	stale.Timestamp = now
	res = h.publish(t, PublishRequest{Message: stale})
	assert.False(t, res.RetainedUpdated)
	assert.Equal(t, 2, q.Depth(), "superseded retained messages are still delivered live")
	got, _ = ret.Get("status/node1")
	assert.Equal(t, "down", string(got.Payload))
	assert.Equal(t, int64(1), h.engine.Stats().RetainedSuperseded)
}

func TestPublish_ForwardedRetainedSuperseded(t *testing.T) {
	ret := retained.New(nil)
	h := newHarness(t, Config{Retained: ret, Clustered: true})
	q := h.subscribe(t, subParams{client: "c1", pattern: "status/#", opts: delivery.ShareWithCluster})

	now := time.Now()
	newer := message.New("status/node1", []byte("newer"))
	newer.Retain = true
	newer.Timestamp = now
	h.publish(t, PublishRequest{Message: newer})
	require.Equal(t, 1, q.Depth())

	older := message.New("status/node1", []byte("older"))
	older.Retain = true
	older.Timestamp = now.Add(-time.Second)
	res := h.publish(t, PublishRequest{Message: older, Options: PublishOptions{FromForwarder: true, InformationalCodes: true}})
	assert.Equal(t, rc.NothingToDo, res.Code)
	assert.False(t, res.RetainedUpdated)
	assert.Zero(t, res.Delivered)
	assert.Equal(t, 1, q.Depth(), "a stale forwarded update is not delivered")
	assert.Equal(t, int32(1), older.Usage())

	got, ok := ret.Get("status/node1")
	require.True(t, ok)
	assert.Equal(t, "newer", string(got.Payload))
}

func TestPublish_RetainedTombstoneWhenClustered(t *testing.T) {
	ret := retained.New(nil)
	h := newHarness(t, Config{Retained: ret, Clustered: true, ClusterRetainedExpiry: time.Hour})

	msg := message.New("status/node1", []byte("up"))
	msg.Retain = true
	h.publish(t, PublishRequest{Message: msg})

	cleared := message.New("status/node1", nil)
	cleared.Retain = true
	cleared.Timestamp = msg.Timestamp.Add(time.Second)
	h.publish(t, PublishRequest{Message: cleared})

	_, ok := ret.Get("status/node1")
	assert.False(t, ok)
	assert.Zero(t, ret.Expire(), "tombstone is kept for the cluster expiry")
}

// workerQueue records the resolver worker and its publish depth at every
// enqueue, and optionally publishes again from inside Enqueue.
type workerQueue struct {
	*queue.Queue
	engine *Engine
	then   string

	workers []*resolver.Worker
	depths  []int
}

func (q *workerQueue) Enqueue(ctx context.Context, opts delivery.PutOptions, tx delivery.Tx, msg *message.Message) error {
	if err := q.Queue.Enqueue(ctx, opts, tx, msg); err != nil {
		return err
	}
	w := q.engine.Resolver().WorkerFrom(ctx)
	q.workers = append(q.workers, w)
	if w != nil {
		q.depths = append(q.depths, w.Depth())
	}
	if q.then == "" {
		return nil
	}
	_, err := q.engine.Publish(ctx, nil, PublishRequest{Message: message.New(q.then, msg.Payload)})
	return err
}

func TestPublish_NestedPublishSharesWorker(t *testing.T) {
	h := newHarness(t, Config{})
	outer := &workerQueue{Queue: queue.New("outer", 0, false, nil), engine: h.engine, then: "audit/orders"}
	inner := &workerQueue{Queue: queue.New("inner", 0, false, nil), engine: h.engine}
	defer outer.Close()
	defer inner.Close()
	for _, sub := range []*subscription.Subscription{
		subscription.New(subscription.Config{ClientID: "c1", Pattern: "orders/#", Queue: outer}),
		subscription.New(subscription.Config{ClientID: "c2", Pattern: "audit/#", Queue: inner}),
	} {
		require.NoError(t, h.tree.AddSubscription(sub))
	}

	res := h.publish(t, PublishRequest{Message: message.New("orders/1", []byte("x"))})
	assert.Equal(t, 1, res.Delivered)

	require.Len(t, outer.workers, 1)
	require.Len(t, inner.workers, 1)
	require.NotNil(t, outer.workers[0])
	assert.Same(t, outer.workers[0], inner.workers[0])
	assert.Equal(t, []int{1}, outer.depths)
	assert.Equal(t, []int{2}, inner.depths)
	assert.Equal(t, 0, outer.workers[0].Depth())
	assert.Equal(t, 1, inner.Depth())

	// A caller's own worker is used as given.
	w := h.engine.Resolver().NewWorker()
	_, err := h.engine.Publish(context.Background(), w, PublishRequest{Message: message.New("orders/2", nil)})
	require.NoError(t, err)
	assert.Same(t, w, outer.workers[1])
	assert.Same(t, w, inner.workers[1])
	assert.Equal(t, 2, w.CacheLen())
}

func TestPublish_ResourceSetStatistics(t *testing.T) {
	reg := clientreg.New(nil)
	_, err := reg.Register("pub", "tenant-a")
	require.NoError(t, err)
	h := newHarness(t, Config{Registry: reg})
	h.subscribe(t, subParams{client: "c1", pattern: "a"})
	h.subscribe(t, subParams{client: "c2", pattern: "a"})

	msg := message.New("a", []byte("1234"))
	msg.Reliability = message.AtLeastOnce
	h.publish(t, PublishRequest{Message: msg, PublisherID: "pub"})

	snap := reg.ResourceSetOf("pub").Snapshot()
	got := snap[message.AtLeastOnce.String()]
	assert.Equal(t, int64(1), got.Messages)
	assert.Equal(t, int64(4), got.Bytes)
	assert.Equal(t, int64(2), got.MaxRecipients)
	assert.Zero(t, snap[message.AtMostOnce.String()].Messages)
}
