package broker

import (
	"context"
	"fmt"
	"net"
	"slices"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/cluster"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/fanout"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/txn"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// Publish fans a message out to every matching subscription and cluster
// member. The caller keeps its reference to the message. A resolver worker
// carried by ctx (see resolver.ContextWithWorker) resolves the topic, so a
// publish made from a queue callback nests on its caller's worker.
func (b *Broker) Publish(ctx context.Context, req broker.PublishRequest) (broker.PublishResult, error) {
	return b.PublishTx(ctx, nil, req)
}

// PublishTx publishes inside the caller's transaction. Queue puts and store
// writes become visible when tx commits; a failed publish leaves tx
// rollback-only.
func (b *Broker) PublishTx(ctx context.Context, tx *txn.Transaction, req broker.PublishRequest) (broker.PublishResult, error) {
	if err := b.checkRunning(); err != nil {
		return broker.PublishResult{}, err
	}
	if req.Message == nil {
		return broker.PublishResult{}, fanout.ErrNilMessage
	}
	if req.ClientID != "" && !b.clients.Exists(req.ClientID) {
		return broker.PublishResult{}, fmt.Errorf("client %q: %w", req.ClientID, ErrClientNotConnected)
	}
	if req.Message.OriginServer == "" {
		req.Message.OriginServer = b.cfg.NodeID
	}

	res, err := b.engine.Publish(ctx, nil, fanout.PublishRequest{
		Message:     req.Message,
		PublisherID: req.ClientID,
		Tx:          tx,
		Options: fanout.PublishOptions{
			InformationalCodes: req.Options.InformationalCodes,
			FailOnRejection:    req.Options.FailOnRejection,
			OnlyUpdateRetained: req.Options.OnlyUpdateRetained,
		},
	})
	if err != nil {
		b.log.Debug("broker: publish failed", "topic", req.Message.Topic, "client", req.ClientID, "error", err)
	}
	return broker.PublishResult{Summary: res.Summary, RetainedUpdated: res.RetainedUpdated}, err
}

// NewTransaction opens a transaction over a fresh store stream for use with
// PublishTx.
func (b *Broker) NewTransaction() *txn.Transaction {
	return txn.New(txn.WithStream(b.store.NewStream()), txn.WithLogger(b.log))
}

// HandleForwarded publishes a message another member forwarded. Only
// cluster-shared subscriptions receive it and it is not forwarded again.
func (b *Broker) HandleForwarded(ctx context.Context, from string, msg *message.Message) error {
	if err := b.checkRunning(); err != nil {
		return err
	}
	defer msg.Release()
	_, err := b.engine.Publish(ctx, nil, fanout.PublishRequest{
		Message: msg,
		Options: fanout.PublishOptions{FromForwarder: true},
	})
	if err != nil {
		return fmt.Errorf("forwarded from %s: %w", from, err)
	}
	return nil
}

// HandleInterest registers or removes a member as a remote target for a
// pattern.
func (b *Broker) HandleInterest(ctx context.Context, in cluster.Interest) error {
	if b.cluster == nil {
		return fmt.Errorf("interest from %s: cluster %w", in.Node, rc.ErrNotFound)
	}
	m, ok := b.cluster.Member(in.Node)
	if !ok {
		return fmt.Errorf("interest from %s: member %w", in.Node, rc.ErrNotFound)
	}
	if !in.Add {
		return b.tree.RemoveRemoteInterest(m, in.Pattern)
	}
	added, err := b.tree.AddRemoteInterest(m, in.Pattern)
	if err != nil {
		return err
	}
	if added {
		b.log.Debug("broker: remote interest added", "member", in.Node, "pattern", in.Pattern)
	}
	return nil
}

// AddPeer connects to another member and sends it the patterns this node
// is interested in.
func (b *Broker) AddPeer(ctx context.Context, peer discovery.Peer) error {
	if b.cluster == nil {
		return fmt.Errorf("add peer %s: cluster %w", peer.ID, rc.ErrNotFound)
	}
	m, err := b.cluster.AddMember(peer)
	if err != nil {
		return err
	}
	b.syncInterest(ctx, m)
	return nil
}

// RemovePeer drops a member and every interest it registered.
func (b *Broker) RemovePeer(ctx context.Context, id string) error {
	if b.cluster == nil {
		return fmt.Errorf("remove peer %s: cluster %w", id, rc.ErrNotFound)
	}
	if m, ok := b.cluster.Member(id); ok {
		n := b.tree.RemoveRemoteTarget(m)
		b.log.Debug("broker: remote interests removed", "member", id, "count", n)
	}
	return b.cluster.RemoveMember(id)
}

// ClusterAddr returns the address of the cluster listener, or nil.
func (b *Broker) ClusterAddr() net.Addr {
	if b.cluster == nil {
		return nil
	}
	return b.cluster.Addr()
}

func (b *Broker) addInterest(ctx context.Context, pattern string) {
	b.interestMu.Lock()
	b.interest[pattern]++
	first := b.interest[pattern] == 1
	b.interestMu.Unlock()
	if first {
		b.broadcastInterest(ctx, pattern, true)
	}
}

func (b *Broker) removeInterest(ctx context.Context, pattern string) {
	b.interestMu.Lock()
	b.interest[pattern]--
	last := b.interest[pattern] <= 0
	if last {
		delete(b.interest, pattern)
	}
	b.interestMu.Unlock()
	if last {
		b.broadcastInterest(ctx, pattern, false)
	}
}

func (b *Broker) broadcastInterest(ctx context.Context, pattern string, add bool) {
	if err := b.cluster.BroadcastInterest(ctx, pattern, add); err != nil {
		b.log.Warn("broker: interest broadcast incomplete", "pattern", pattern, "add", add, "error", err)
	}
}

// interestPatterns returns the patterns with cluster-shared subscriptions.
func (b *Broker) interestPatterns() []string {
	b.interestMu.Lock()
	out := make([]string, 0, len(b.interest))
	for p := range b.interest {
		out = append(out, p)
	}
	b.interestMu.Unlock()
	slices.Sort(out)
	return out
}

func (b *Broker) syncInterest(ctx context.Context, m *cluster.Member) {
	for _, p := range b.interestPatterns() {
		in := cluster.Interest{Node: b.cfg.NodeID, Pattern: p, Add: true}
		if err := m.SendInterest(ctx, in); err != nil {
			b.log.Warn("broker: interest sync failed", "member", m.ID(), "pattern", p, "error", err)
		}
	}
}
