package broker

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/queue"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/store"
)

// saveSubscription writes the definition of a durable subscription.
func (b *Broker) saveSubscription(ctx context.Context, sub *subscription.Subscription, maxMessages int) error {
	if !sub.Options.Has(delivery.Durable) {
		return nil
	}
	def := &store.Subscription{
		ClientID:    sub.ClientID,
		Name:        sub.Name,
		Pattern:     sub.Pattern,
		QoS:         sub.QoS,
		Options:     uint32(sub.Options &^ delivery.ShareWithCluster),
		MaxMessages: maxMessages,
	}
	if sub.Selector != nil {
		def.Selector = sub.Selector.Expression()
	}

	st := b.store.NewStream()
	if err := st.Reserve(ctx, 0, 1); err != nil {
		return fmt.Errorf("durable subscription %s/%s: %w", sub.ClientID, sub.Name, err)
	}
	rec := store.Record{
		Kind:         store.KindSubscription,
		Key:          store.SubscriptionKey(sub.ClientID, sub.Name),
		Owner:        sub.ClientID,
		Subscription: def,
	}
	if err := st.Write(ctx, rec); err != nil {
		_ = st.Rollback(ctx)
		return fmt.Errorf("durable subscription %s/%s: %w", sub.ClientID, sub.Name, err)
	}
	if err := st.Commit(ctx); err != nil {
		return fmt.Errorf("durable subscription %s/%s: %w", sub.ClientID, sub.Name, err)
	}
	return nil
}

// forgetSubscription deletes the definition of a durable subscription.
func (b *Broker) forgetSubscription(ctx context.Context, sub *subscription.Subscription) {
	if !sub.Options.Has(delivery.Durable) {
		return
	}
	st := b.store.NewStream()
	err := st.Delete(ctx, store.SubscriptionKey(sub.ClientID, sub.Name))
	if err == nil {
		err = st.Commit(ctx)
	}
	if err != nil {
		_ = st.Rollback(ctx)
		b.log.Warn("broker: failed to delete durable subscription", "client", sub.ClientID, "subscription", sub.Name, "error", err)
	}
}

// retire takes a durable subscription out of service at shutdown. Its
// definition and the store references of its queued messages stay behind
// for the next Start.
func (b *Broker) retire(ctx context.Context, clientID, name string) {
	sub, err := b.subs.Find(clientID, name)
	if err != nil {
		return
	}
	defer sub.Release()
	if q, ok := sub.Queue.(interface{ Shutdown() error }); ok {
		_ = q.Shutdown()
	}
	if err := b.unlink(ctx, sub, false); err != nil {
		b.log.Warn("broker: failed to retire subscription", "client", clientID, "subscription", name, "error", err)
	}
}

// restoreSubscriptions rehydrates every durable subscription in the store
// with the persistent messages its queue held. A subscription stays
// importing, and receives nothing, until its queue is restored.
func (b *Broker) restoreSubscriptions(ctx context.Context) (int, error) {
	var defs []*store.Subscription
	err := b.store.Scan(ctx, store.KindSubscription, func(rec store.Record) bool {
		if rec.Subscription != nil {
			defs = append(defs, rec.Subscription)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	queued := make(map[string][]string)
	refKeys := make(map[string][]string)
	err = b.store.Scan(ctx, store.KindReference, func(rec store.Record) bool {
		queued[rec.Owner] = append(queued[rec.Owner], rec.MessageID)
		refKeys[rec.Owner] = append(refKeys[rec.Owner], rec.Key)
		return true
	})
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, def := range defs {
		sub, q, err := b.rehydrate(def)
		if err != nil {
			b.log.Warn("broker: durable subscription not restored", "client", def.ClientID, "subscription", def.Name, "error", err)
			continue
		}
		msgs := b.loadQueued(ctx, q.Name(), queued[q.Name()])
		for _, msg := range msgs {
			if err := q.Restore(msg); err != nil {
				msg.Release()
			}
		}
		sub.SetImporting(false)
		delete(refKeys, q.Name())
		restored++
		b.log.Debug("broker: durable subscription restored", "client", def.ClientID, "subscription", def.Name, "messages", len(msgs))
	}
	b.dropStaleReferences(ctx, refKeys)
	return restored, nil
}

// dropStaleReferences deletes the references of queues that were not
// restored, which lets the store drop their message bodies.
func (b *Broker) dropStaleReferences(ctx context.Context, refKeys map[string][]string) {
	if len(refKeys) == 0 {
		return
	}
	st := b.store.NewStream()
	n := 0
	for owner, keys := range refKeys {
		for _, k := range keys {
			if err := st.Delete(ctx, k); err != nil {
				_ = st.Rollback(ctx)
				b.log.Warn("broker: failed to drop stale references", "queue", owner, "error", err)
				return
			}
			n++
		}
	}
	if err := st.Commit(ctx); err != nil {
		b.log.Warn("broker: failed to drop stale references", "count", n, "error", err)
		return
	}
	b.log.Info("broker: dropped stale references", "count", n)
}

func (b *Broker) rehydrate(def *store.Subscription) (*subscription.Subscription, *queue.Queue, error) {
	opts := delivery.SubOptions(def.Options) &^ delivery.ShareWithCluster
	if b.cluster != nil && shareWithCluster(opts, def.Pattern) {
		opts |= delivery.ShareWithCluster
	}
	var rule selector.Rule
	if def.Selector != "" {
		r, err := b.evaluator.Compile(def.Selector)
		if err != nil {
			return nil, nil, err
		}
		rule = r
	}

	q := queue.New(def.ClientID+"/"+def.Name, def.MaxMessages, true, b.log, queue.WithStore(b.store))
	sub := subscription.New(subscription.Config{
		ClientID: def.ClientID,
		Name:     def.Name,
		Pattern:  def.Pattern,
		QoS:      def.QoS,
		Options:  opts,
		Selector: rule,
		Queue:    q,
	})
	sub.SetImporting(true)

	if err := b.subs.Add(def.ClientID, sub); err != nil {
		_ = q.Shutdown()
		return nil, nil, err
	}
	if err := b.tree.AddSubscription(sub); err != nil {
		_ = q.Shutdown()
		_ = b.subs.Remove(def.ClientID, sub)
		sub.MarkUnlinked(subscription.UnlinkedFromTree)
		sub.Release()
		return nil, nil, err
	}
	if opts.Has(delivery.ShareWithCluster) {
		// Members learn about it when the cluster link starts.
		b.interestMu.Lock()
		b.interest[def.Pattern]++
		b.interestMu.Unlock()
	}
	return sub, q, nil
}

// loadQueued reads the persistent messages a queue referenced, oldest first.
func (b *Broker) loadQueued(ctx context.Context, owner string, ids []string) []*message.Message {
	msgs := make([]*message.Message, 0, len(ids))
	for _, id := range ids {
		rec, err := b.store.Get(ctx, store.MessageKey(id))
		if err != nil || rec.Message == nil {
			b.log.Warn("broker: queued message missing from store", "queue", owner, "id", id, "error", err)
			continue
		}
		msgs = append(msgs, rec.Message)
	}
	slices.SortStableFunc(msgs, func(x, y *message.Message) int {
		return cmp.Or(x.Timestamp.Compare(y.Timestamp), cmp.Compare(x.ID, y.ID))
	})
	return msgs
}
