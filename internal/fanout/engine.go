// Package fanout delivers a published message to every subscription and
// remote cluster member whose pattern matches its topic.
//
// One Publish call resolves the topic on the caller's resolver worker,
// reserves store capacity for persistent or retained messages, updates the
// retained store, filters each candidate and enqueues the message. The
// message usage count is raised by the number of candidates before any
// queue sees it; the share of skipped and rejected candidates is given back
// once delivery is done.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/resolver"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/retained"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/txn"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/clients"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

var (
	// ErrNilMessage is returned when a publish carries no message.
	ErrNilMessage = errors.New("fanout: message cannot be nil")
	// ErrRejected is returned when a rejection has to fail the publish.
	ErrRejected = fmt.Errorf("%w: message rejected by recipient", rc.ErrCapacity)
	// ErrRemoteRejected is returned when a remote member's reliable queue
	// refuses a message.
	ErrRemoteRejected = fmt.Errorf("%w: remote member rejected reliable message", rc.ErrCapacity)
)

// PublishOptions modify a single publish.
type PublishOptions struct {
	// InformationalCodes asks for Result.Code to describe the outcome.
	InformationalCodes bool
	// FailOnRejection fails the publish when any reliable recipient that
	// cannot lose messages rejects it.
	FailOnRejection bool
	// OnlyUpdateRetained updates the retained store without delivering.
	OnlyUpdateRetained bool
	// FromForwarder marks a message arriving from another cluster member.
	FromForwarder bool
}

// PublishRequest is one message to fan out.
type PublishRequest struct {
	Message     *message.Message
	PublisherID string

	// Tx is the caller's transaction. Without one, persistent and retained
	// publishes run in a transaction of their own.
	Tx      *txn.Transaction
	Options PublishOptions
}

// Result reports the outcome of a publish.
type Result struct {
	delivery.Summary

	// RetainedUpdated is set when the retained store took the message.
	RetainedUpdated bool
}

// Config configures an Engine.
type Config struct {
	// Store is the persistent store. Nil disables persistence.
	Store store.Store
	// Retained is the retained-message store. Nil ignores the retain flag.
	Retained *retained.Store
	// Evaluator evaluates subscription and default selectors.
	Evaluator selector.Evaluator
	// Registry attributes publish statistics to the publisher's resource set.
	Registry clients.Registry

	// Clustered keeps null-retained tombstones for ClusterRetainedExpiry so
	// that older updates from other members cannot resurrect a topic.
	Clustered             bool
	ClusterRetainedExpiry time.Duration

	// DefaultSelector applies to subscriptions that have no selector of
	// their own.
	DefaultSelector selector.Rule

	Logger *slog.Logger
}

// Engine fans published messages out to their recipients.
type Engine struct {
	resolver *resolver.Resolver
	cfg      Config
	log      *slog.Logger
	stats    counters
}

// New creates an engine that resolves topics with r.
func New(r *resolver.Resolver, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		resolver: r,
		cfg:      cfg,
		log:      cfg.Logger,
	}
}

// Resolver returns the resolver the engine publishes through.
func (e *Engine) Resolver() *resolver.Resolver {
	return e.resolver
}

// publish is the state of one Publish call.
type publish struct {
	e    *Engine
	req  PublishRequest
	msg  *message.Message
	tx   *txn.Transaction
	dtx  delivery.Tx
	list *resolver.SubscriberList

	localTx   bool
	savepoint txn.Savepoint
	folded    bool

	// stale is set for a forwarded retained message older than the one
	// already retained; it is not delivered.
	stale bool

	// Selector results for this message, keyed by rule expression.
	selections map[string]bool

	res     Result
	failure error
}

// Publish delivers req.Message. w is the caller's resolver worker. When w is
// nil the worker carried by ctx is used, and failing that one is taken from
// the resolver's pool for the duration of the call. The worker travels in
// the context handed to queues, so a publish nested in a queue callback
// resolves on the same worker.
func (e *Engine) Publish(ctx context.Context, w *resolver.Worker, req PublishRequest) (Result, error) {
	msg := req.Message
	if msg == nil {
		return Result{}, ErrNilMessage
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	if _, err := topic.AnalyzeTopic(msg.Topic); err != nil {
		return Result{}, fmt.Errorf("publish: %w", err)
	}

	if w == nil {
		w = e.resolver.WorkerFrom(ctx)
	}
	if w == nil {
		w = e.resolver.AcquireWorker()
		defer e.resolver.ReleaseWorker(w)
	}
	if e.resolver.WorkerFrom(ctx) != w {
		ctx = resolver.ContextWithWorker(ctx, w)
	}
	w.Enter()
	defer w.Exit()

	p := &publish{e: e, req: req, msg: msg}
	if err := p.begin(); err != nil {
		return Result{}, err
	}

	res, err := p.run(ctx, w)
	if p.list != nil {
		p.list.Release()
	}
	if err != nil {
		e.stats.failures.Add(1)
		p.abort(ctx, err)
		return res, err
	}
	if err := p.finish(ctx); err != nil {
		e.stats.failures.Add(1)
		return res, err
	}
	e.record(p)
	return res, nil
}

// begin picks the transaction the publish runs in.
func (p *publish) begin() error {
	msg, cfg := p.msg, p.e.cfg
	switch {
	case p.req.Tx != nil:
		if p.req.Tx.State() != txn.Active {
			return fmt.Errorf("publish: %w", txn.ErrNotActive)
		}
		p.tx = p.req.Tx
		p.savepoint = p.tx.Savepoint()
	case cfg.Store != nil && (msg.IsPersistent() || (msg.Retain && cfg.Retained != nil)):
		p.tx = txn.New(txn.WithStream(cfg.Store.NewStream()), txn.WithLogger(p.e.log))
		p.localTx = true
	case p.req.Options.FailOnRejection && !msg.Unreliable():
		// Without a store the transaction only makes the queue puts atomic.
		p.tx = txn.New(txn.WithLogger(p.e.log))
		p.localTx = true
	}
	if p.tx != nil {
		p.dtx = p.tx
		st := p.tx.Stream()
		p.folded = p.localTx || st == nil || st.PendingOps() == 0
	}
	return nil
}

func (p *publish) run(ctx context.Context, w *resolver.Worker) (Result, error) {
	opts := p.req.Options

	if !opts.OnlyUpdateRetained {
		list, err := w.Resolve(p.msg.Topic, opts.FromForwarder)
		if err != nil {
			return Result{}, err
		}
		p.list = list
	}

	if err := p.reserve(ctx); err != nil {
		return Result{}, err
	}

	superseded, err := p.updateRetained(ctx)
	if err != nil {
		return Result{}, err
	}
	p.stale = superseded && opts.FromForwarder

	if p.list != nil && !p.stale {
		p.deliver(ctx)
	}
	if opts.InformationalCodes {
		p.res.Code = p.code()
	}
	if superseded {
		p.e.stats.superseded.Add(1)
	}
	return p.res, p.failure
}

// reserve takes the store capacity for the message body, one reference per
// recipient queue and one for the retained record.
func (p *publish) reserve(ctx context.Context) error {
	if p.tx == nil || p.tx.Stream() == nil {
		return nil
	}
	st := p.tx.Stream()

	var bytes int64
	refs := 0
	if p.msg.IsPersistent() && p.list != nil && p.list.Len() > 0 {
		bytes = p.msg.Size()
		refs = p.list.Len()
		if !p.folded {
			refs *= 2
		}
	}
	if p.msg.Retain && p.e.cfg.Retained != nil {
		refs++
	}
	if bytes == 0 && refs == 0 {
		return nil
	}
	if err := st.Reserve(ctx, bytes, refs); err != nil {
		return fmt.Errorf("publish %s: reserve %d bytes, %d refs: %w", p.msg.ID, bytes, refs, err)
	}
	if bytes > 0 {
		rec := store.Record{Kind: store.KindMessage, Key: store.MessageKey(p.msg.ID), MessageID: p.msg.ID, Message: p.msg}
		if err := st.Write(ctx, rec); err != nil {
			return fmt.Errorf("publish %s: %w", p.msg.ID, err)
		}
	}
	return nil
}

// updateRetained reports whether the retained store refused the message as
// superseded.
func (p *publish) updateRetained(ctx context.Context) (bool, error) {
	rs := p.e.cfg.Retained
	if !p.msg.Retain || rs == nil {
		return false, nil
	}
	var expiry time.Duration
	if p.e.cfg.Clustered {
		expiry = p.e.cfg.ClusterRetainedExpiry
	}
	err := rs.Update(ctx, p.dtx, p.msg, expiry)
	switch {
	case errors.Is(err, retained.ErrOldTimestamp):
		p.e.log.Debug("fanout: retained update superseded", "topic", p.msg.Topic, "id", p.msg.ID)
		return true, nil
	case err != nil:
		return false, err
	}
	p.res.RetainedUpdated = true
	return false, nil
}

func (p *publish) deliver(ctx context.Context) {
	list, msg := p.list, p.msg
	candidates := list.Len()
	p.res.Subscribers = len(list.Subscribers)
	p.res.Remotes = len(list.Remotes)
	if candidates == 0 {
		return
	}

	msg.AddUsage(int32(candidates))
	put := delivery.PutOptions{
		Ref:             delivery.RefInherit,
		IgnoreRejectNew: p.req.Options.FromForwarder && !msg.Unreliable(),
	}
	filter := list.RequestSelection || p.e.cfg.DefaultSelector != nil

	for _, sub := range list.Subscribers {
		if sub.Queue == nil || (filter && !p.accept(sub)) || (!filter && sub.Importing()) {
			p.res.Skipped++
			continue
		}
		err := sub.Queue.Enqueue(ctx, put, p.dtx, msg)
		if err == nil {
			p.res.Delivered++
			continue
		}
		p.res.Rejected++
		p.e.log.Debug("fanout: publish rejected", "topic", msg.Topic, "client", sub.ClientID, "subscription", sub.Name, "error", err)
		if p.failure == nil && sub.RejectionMeansFailure(msg) && (candidates == 1 || p.req.Options.FailOnRejection) {
			p.failure = fmt.Errorf("subscription %s/%s: %w: %w", sub.ClientID, sub.Name, ErrRejected, err)
		}
	}

	for _, target := range list.Remotes {
		if msg.Unreliable() {
			if err := target.LowQoS().Enqueue(ctx, put, nil, msg); err != nil {
				p.res.Rejected++
				continue
			}
		} else if err := target.HighQoS().Enqueue(ctx, put, p.dtx, msg); err != nil {
			p.res.Rejected++
			if p.failure == nil {
				p.failure = fmt.Errorf("remote %s: %w: %w", target.ID(), ErrRemoteRejected, err)
			}
			continue
		}
		p.res.Delivered++
		p.e.stats.forwardedOut.Add(1)
	}

	if missed := candidates - p.res.Delivered; missed > 0 {
		msg.AddUsage(-int32(missed))
	}
}

func (p *publish) code() rc.Code {
	switch {
	case p.req.Options.OnlyUpdateRetained || p.stale:
		return rc.NothingToDo
	case p.res.Candidates() == 0:
		return rc.NoMatchingDestinations
	case p.res.Rejected > 0 && p.res.Delivered == 0:
		return rc.AllDestinationsFull
	case p.res.Rejected > 0:
		return rc.SomeDestinationsFull
	case p.res.Skipped < p.res.Subscribers:
		return rc.OK
	case p.res.Remotes == 0:
		// Every local subscriber was filtered out.
		return rc.NoMatchingDestinations
	}
	return rc.NoMatchingLocalDestinations
}

// finish commits a local transaction or keeps the work in the caller's.
func (p *publish) finish(ctx context.Context) error {
	if p.tx == nil {
		return nil
	}
	if !p.localTx {
		return p.tx.ReleaseSavepoint(p.savepoint)
	}
	if err := p.tx.Commit(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", p.msg.ID, err)
	}
	return nil
}

// abort undoes a failed publish. The caller's transaction can no longer
// commit once its savepoint has been rolled back over store writes, so it
// is marked rollback-only.
func (p *publish) abort(ctx context.Context, cause error) {
	if p.tx == nil {
		return
	}
	if p.localTx {
		if err := p.tx.Rollback(ctx); err != nil {
			p.e.log.Warn("fanout: rollback failed", "id", p.msg.ID, "cause", cause, "error", err)
		}
		return
	}
	if err := p.tx.RollbackToSavepoint(p.savepoint); err != nil {
		p.e.log.Warn("fanout: rollback to savepoint failed", "tx", p.tx.ID(), "error", err)
	}
	p.tx.MarkRollbackOnly()
}
