package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/namedsubs"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/queue"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

// Connect registers a client, accounted to the named resource set.
func (b *Broker) Connect(ctx context.Context, clientID, resourceSet string) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if _, err := b.clients.Register(clientID, resourceSet); err != nil {
		return err
	}
	b.log.Debug("broker: client connected", "client", clientID, "resourceSet", resourceSet)
	return nil
}

// Disconnect drops the client's non-durable subscriptions, leaves the shared
// subscriptions it joined and unregisters it.
func (b *Broker) Disconnect(ctx context.Context, clientID string) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if !b.clients.Exists(clientID) {
		return fmt.Errorf("client %q: %w", clientID, ErrClientNotConnected)
	}

	for _, sub := range b.subs.List(clientID) {
		switch {
		case sub.Options.Has(delivery.Durable):
		case sub.Shared() != nil && sub.Shared().Contains(clientID):
			_ = b.LeaveShared(ctx, clientID, sub.Name, clientID)
		default:
			b.drop(ctx, clientID, sub.Name)
		}
	}
	for _, key := range b.joinedBy(clientID) {
		if sub, ok := b.member(key); ok {
			_ = b.LeaveShared(ctx, sub.ClientID, sub.Name, clientID)
		}
	}

	if err := b.clients.Unregister(clientID); err != nil {
		return err
	}
	err := b.subs.RemoveClient(clientID)
	if err != nil && !errors.Is(err, namedsubs.ErrClientNotEmpty) && !errors.Is(err, rc.ErrNotFound) {
		return err
	}
	b.log.Debug("broker: client disconnected", "client", clientID)
	return nil
}

// Subscribe registers a subscription for a connected client and offers it
// the retained messages its pattern matches.
func (b *Broker) Subscribe(ctx context.Context, req broker.SubscribeRequest) (broker.SubscriptionInfo, error) {
	if err := b.checkRunning(); err != nil {
		return broker.SubscriptionInfo{}, err
	}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return broker.SubscriptionInfo{}, ctx.Err()
	default:
	}

	client, ok := b.clients.Get(req.ClientID)
	if !ok {
		return broker.SubscriptionInfo{}, fmt.Errorf("client %q: %w", req.ClientID, ErrClientNotConnected)
	}
	if _, err := topic.AnalyzePattern(req.Pattern, b.cfg.PatternPolicy); err != nil {
		return broker.SubscriptionInfo{}, fmt.Errorf("subscribe %q: %w", req.Pattern, err)
	}
	opts := req.Options
	if err := opts.Validate(); err != nil {
		return broker.SubscriptionInfo{}, err
	}

	var rule selector.Rule
	if req.Selector != "" {
		r, err := b.evaluator.Compile(req.Selector)
		if err != nil {
			return broker.SubscriptionInfo{}, fmt.Errorf("subscribe %q: %w", req.Pattern, err)
		}
		rule = r
	}
	if b.cluster != nil && shareWithCluster(opts, req.Pattern) {
		opts |= delivery.ShareWithCluster
	}

	name := req.Name
	if name == "" {
		name = req.Pattern
	}
	maxMessages := req.MaxMessages
	if maxMessages <= 0 {
		maxMessages = b.cfg.MaxQueueMessages
	}
	q := queue.New(req.ClientID+"/"+name, maxMessages, opts.Has(delivery.Durable), b.log, queue.WithStore(b.store))

	sub := subscription.New(subscription.Config{
		ClientID:    req.ClientID,
		Name:        name,
		Pattern:     req.Pattern,
		QoS:         req.QoS,
		Options:     opts,
		Selector:    rule,
		ResourceSet: client.ResourceSet(),
		Queue:       q,
	})
	if err := b.subs.Add(req.ClientID, sub); err != nil {
		_ = q.Close()
		return broker.SubscriptionInfo{}, err
	}
	if err := b.saveSubscription(ctx, sub, maxMessages); err != nil {
		b.discard(req.ClientID, sub)
		return broker.SubscriptionInfo{}, err
	}
	if err := b.tree.AddSubscription(sub); err != nil {
		b.forgetSubscription(ctx, sub)
		b.discard(req.ClientID, sub)
		return broker.SubscriptionInfo{}, err
	}
	if opts.Has(delivery.ShareWithCluster) {
		b.addInterest(ctx, req.Pattern)
	}

	delivered := b.deliverRetained(ctx, sub)
	b.log.Debug("broker: subscribed", "client", req.ClientID, "subscription", name, "pattern", req.Pattern, "retained", delivered)

	info := b.info(sub)
	info.Retained = delivered
	return info, nil
}

// discard undoes a subscription that reached the named list but not the tree.
func (b *Broker) discard(clientID string, sub *subscription.Subscription) {
	_ = b.subs.Remove(clientID, sub)
	sub.MarkUnlinked(subscription.UnlinkedFromTree)
	sub.Release()
}

// shareWithCluster reports whether messages forwarded by other members may
// reach a subscription.
func shareWithCluster(opts delivery.SubOptions, pattern string) bool {
	return !opts.Has(delivery.Shared) && !opts.Has(delivery.TransactionCapable) && !topic.IsSystem(pattern)
}

// deliverRetained enqueues a copy of every retained message that matches
// the subscription and passes its filters.
func (b *Broker) deliverRetained(ctx context.Context, sub *subscription.Subscription) int {
	delivered := 0
	for _, msg := range b.retained.Match(sub.Pattern, b.cfg.StrictSystemTopics) {
		if !b.engine.Accepts(sub, msg) {
			continue
		}
		c := msg.Copy()
		if err := sub.Queue.Enqueue(ctx, delivery.PutOptions{Ref: delivery.RefInherit}, nil, c); err != nil {
			c.Release()
			b.log.Debug("broker: retained message rejected", "topic", msg.Topic, "subscription", sub.Name, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Unsubscribe removes a client's subscription by name.
func (b *Broker) Unsubscribe(ctx context.Context, clientID, name string) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	sub, err := b.subs.Find(clientID, name)
	if err != nil {
		return err
	}
	defer sub.Release()
	return b.unlink(ctx, sub, true)
}

// drop unsubscribes without the running check, for Disconnect and Close.
func (b *Broker) drop(ctx context.Context, clientID, name string) {
	sub, err := b.subs.Find(clientID, name)
	if err != nil {
		return
	}
	defer sub.Release()
	if err := b.unlink(ctx, sub, true); err != nil {
		b.log.Warn("broker: failed to drop subscription", "client", clientID, "subscription", name, "error", err)
	}
}

// unlink removes sub from the tree and the named list and drops the index
// reference. The caller holds its own reference. With forget set, a durable
// subscription's stored definition is deleted too.
func (b *Broker) unlink(ctx context.Context, sub *subscription.Subscription, forget bool) error {
	if err := b.tree.RemoveSubscription(sub); err != nil {
		return err
	}
	if err := b.subs.Remove(sub.ClientID, sub); err != nil {
		rc.Violation("broker", "subscription %s/%s left the tree but not its list: %v", sub.ClientID, sub.Name, err)
	}
	b.forgetMembers(sub)
	if forget {
		b.forgetSubscription(ctx, sub)
	}
	sub.Release()

	if sub.Options.Has(delivery.ShareWithCluster) {
		b.removeInterest(ctx, sub.Pattern)
	}
	b.log.Debug("broker: unsubscribed", "client", sub.ClientID, "subscription", sub.Name)
	return nil
}

// JoinShared adds memberID to a shared subscription owned by ownerID.
func (b *Broker) JoinShared(ctx context.Context, ownerID, name, memberID string, qos message.Reliability) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	if !b.clients.Exists(memberID) {
		return fmt.Errorf("client %q: %w", memberID, ErrClientNotConnected)
	}
	sub, err := b.subs.Find(ownerID, name)
	if err != nil {
		return err
	}
	defer sub.Release()

	sh := sub.Shared()
	if sh == nil {
		return fmt.Errorf("subscription %s/%s: %w", ownerID, name, ErrNotShared)
	}
	sh.Join(memberID, qos)
	if memberID != ownerID {
		b.membersMu.Lock()
		b.members[memberKey{clientID: memberID, name: name}] = sub
		b.membersMu.Unlock()
	}
	return nil
}

// LeaveShared removes memberID from a shared subscription. The subscription
// is removed with its last member.
func (b *Broker) LeaveShared(ctx context.Context, ownerID, name, memberID string) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	sub, err := b.subs.Find(ownerID, name)
	if err != nil {
		return err
	}
	defer sub.Release()

	sh := sub.Shared()
	if sh == nil {
		return fmt.Errorf("subscription %s/%s: %w", ownerID, name, ErrNotShared)
	}
	remaining, found := sh.Leave(memberID)
	if !found {
		return fmt.Errorf("member %q of %s/%s: %w", memberID, ownerID, name, rc.ErrNotFound)
	}
	b.membersMu.Lock()
	delete(b.members, memberKey{clientID: memberID, name: name})
	b.membersMu.Unlock()

	if remaining == 0 {
		return b.unlink(ctx, sub, true)
	}
	return nil
}

func (b *Broker) member(key memberKey) (*subscription.Subscription, bool) {
	b.membersMu.RLock()
	defer b.membersMu.RUnlock()
	sub, ok := b.members[key]
	return sub, ok
}

func (b *Broker) joinedBy(clientID string) []memberKey {
	b.membersMu.RLock()
	defer b.membersMu.RUnlock()
	var keys []memberKey
	for k := range b.members {
		if k.clientID == clientID {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *Broker) forgetMembers(sub *subscription.Subscription) {
	b.membersMu.Lock()
	defer b.membersMu.Unlock()
	for k, s := range b.members {
		if s == sub {
			delete(b.members, k)
		}
	}
}

type receiver interface {
	Receive(ctx context.Context) (*message.Message, error)
}

// Receive blocks until the named subscription has a message. A client that
// joined a shared subscription receives from it under the same name. The
// caller releases the returned message.
func (b *Broker) Receive(ctx context.Context, clientID, name string) (*message.Message, error) {
	if err := b.checkRunning(); err != nil {
		return nil, err
	}

	var q delivery.Queue
	if sub, err := b.subs.Find(clientID, name); err == nil {
		q = sub.Queue
		sub.Release()
	} else if sub, ok := b.member(memberKey{clientID: clientID, name: name}); ok {
		q = sub.Queue
	} else {
		return nil, err
	}

	// The queue is closed when the subscription goes, which ends the wait.
	r, ok := q.(receiver)
	if !ok {
		return nil, fmt.Errorf("subscription %s/%s: queue %s cannot be read", clientID, name, q.Name())
	}
	return r.Receive(ctx)
}
