package broker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/topictree"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
)

// ListSubscriptions lists a client's subscriptions, or every subscription
// when clientID is empty, ordered by client and name.
func (b *Broker) ListSubscriptions(ctx context.Context, clientID string) ([]broker.SubscriptionInfo, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []broker.SubscriptionInfo
	if clientID != "" {
		for _, sub := range b.subs.List(clientID) {
			out = append(out, b.info(sub))
		}
	} else {
		b.subs.Each(func(_ string, subs []*subscription.Subscription) bool {
			for _, sub := range subs {
				out = append(out, b.info(sub))
			}
			return true
		})
	}
	slices.SortFunc(out, func(x, y broker.SubscriptionInfo) int {
		return cmp.Or(strings.Compare(x.ClientID, y.ClientID), strings.Compare(x.Name, y.Name))
	})
	return out, nil
}

func (b *Broker) info(sub *subscription.Subscription) broker.SubscriptionInfo {
	info := broker.SubscriptionInfo{
		ClientID:  sub.ClientID,
		Name:      sub.Name,
		Pattern:   sub.Pattern,
		QoS:       sub.QoS.String(),
		Options:   sub.Options.Names(),
		CreatedAt: sub.CreatedAt,
	}
	if sub.Selector != nil {
		info.Selector = sub.Selector.Expression()
	}
	if sub.Queue != nil {
		info.Depth = sub.Queue.Depth()
	}
	if sh := sub.Shared(); sh != nil {
		for _, m := range sh.Members() {
			info.Members = append(info.Members, m.ClientID)
		}
	}
	return info
}

// Patterns lists the subscribed patterns in the topic tree.
func (b *Broker) Patterns(ctx context.Context) ([]broker.PatternInfo, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var out []broker.PatternInfo
	b.tree.Traverse(func(n *topictree.Node, subs []*subscription.Subscription, remotes []delivery.RemoteTarget) bool {
		if len(subs) > 0 || len(remotes) > 0 {
			out = append(out, broker.PatternInfo{
				Pattern:         n.Pattern(),
				Subscribers:     len(subs),
				RemoteInterests: len(remotes),
			})
		}
		return true
	})
	slices.SortFunc(out, func(x, y broker.PatternInfo) int { return strings.Compare(x.Pattern, y.Pattern) })
	return out, nil
}

// Stats returns an administrative snapshot of the node.
func (b *Broker) Stats(ctx context.Context) (broker.Stats, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return broker.Stats{}, ctx.Err()
	default:
	}

	ts := b.tree.Stats()
	rs := b.resolver.Stats()
	fs := b.engine.Stats()
	ss := b.store.Stats()

	s := broker.Stats{
		NodeID:   b.cfg.NodeID,
		Clients:  len(b.clients.List()),
		Retained: b.retained.Len(),
		Tree: broker.TreeStats{
			Nodes:           ts.Nodes,
			Subscriptions:   ts.Subscriptions,
			RemoteInterests: ts.RemoteInterests,
			PendingPrune:    ts.PendingPrune,
			Generation:      ts.Generation,
		},
		Resolver: broker.ResolverStats(rs),
		Publish: broker.PublishStats{
			Publishes:          fs.Publishes,
			Failures:           fs.Failures,
			Delivered:          fs.Delivered,
			Skipped:            fs.Skipped,
			Rejected:           fs.Rejected,
			NoDestinations:     fs.NoDestinations,
			RetainedUpdates:    fs.RetainedUpdates,
			RetainedSuperseded: fs.RetainedSuperseded,
			ForwardedIn:        fs.ForwardedIn,
			ForwardedOut:       fs.ForwardedOut,
		},
		Store: broker.StoreStats{
			UsedBytes:     ss.UsedBytes,
			ReservedBytes: ss.ReservedBytes,
			Records:       ss.Records,
			Commits:       ss.Commits,
			Rollbacks:     ss.Rollbacks,
		},
	}
	if b.cluster != nil {
		s.ClusterMembers = len(b.cluster.Members())
	}
	for _, set := range b.clients.Sets().All() {
		rss := broker.ResourceSetStats{Name: set.Name(), QoS: make(map[string]broker.QoSCounters)}
		for qos, c := range set.Snapshot() {
			rss.QoS[qos] = broker.QoSCounters(c)
		}
		s.ResourceSets = append(s.ResourceSets, rss)
	}
	slices.SortFunc(s.ResourceSets, func(x, y broker.ResourceSetStats) int { return strings.Compare(x.Name, y.Name) })
	return s, nil
}

// Health returns the overall health status of this node.
func (b *Broker) Health(ctx context.Context) (broker.HealthStatus, error) {
	b.mu.RLock()
	started, closed := b.started, b.closed
	b.mu.RUnlock()

	ss := b.store.Stats()
	status := broker.HealthStatus{
		StoreHealthy:     ss.CapacityBytes == 0 || ss.UsedBytes < ss.CapacityBytes,
		ClusterHealthy:   b.cluster == nil || b.cluster.Addr() != nil,
		ConnectedClients: len(b.clients.List()),
		Subscriptions:    int(b.tree.Stats().Subscriptions),
	}
	if b.cluster != nil {
		status.ClusterMembers = len(b.cluster.Members())
	}
	status.Healthy = started && !closed && status.StoreHealthy && status.ClusterHealthy

	switch {
	case closed:
		status.Message = "broker is closed"
	case !started:
		status.Message = "broker is not started"
	case !status.StoreHealthy:
		status.Message = fmt.Sprintf("store full: %d of %d bytes used", ss.UsedBytes, ss.CapacityBytes)
	case !status.ClusterHealthy:
		status.Message = "cluster link is not listening"
	default:
		status.Message = "all components healthy"
	}
	return status, nil
}
