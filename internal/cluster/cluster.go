// Package cluster links cluster members over gRPC.
//
// Each member a node knows about is a Member: a delivery.RemoteTarget with
// a low-QoS queue for unreliable messages and a high-QoS queue for reliable
// ones, drained by sender goroutines that call the peer's Forward method.
// Interest updates tell peers which patterns have cluster-shared local
// subscriptions, so that they register the sender as a remote target.
// Inbound calls are handed to a Handler, normally the broker.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// ErrNilHandler is returned when a cluster is created without a handler.
var ErrNilHandler = errors.New("cluster: handler cannot be nil")

// Stats describes the cluster link.
type Stats struct {
	NodeID   string        `json:"nodeId"`
	Members  []MemberStats `json:"members"`
	Received int64         `json:"received"`
}

// Cluster is this node's side of the cluster.
type Cluster struct {
	cfg     Config
	log     *slog.Logger
	handler Handler

	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	members map[string]*Member
	closed  bool

	received atomic.Int64
}

// New creates a cluster link that hands inbound traffic to handler.
func New(cfg Config, handler Handler) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	cfg.SetDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		cfg:     cfg,
		log:     cfg.Logger,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		members: make(map[string]*Member),
	}

	c.grpcServer = grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxMessageSize))
	c.grpcServer.RegisterService(&forwarderServiceDesc, &server{c: c, handler: handler})
	c.health = health.NewServer()
	c.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(c.grpcServer, c.health)
	return c, nil
}

// NodeID returns this node's ID.
func (c *Cluster) NodeID() string {
	return c.cfg.NodeID
}

// Start listens on the configured address and connects to the peers that
// disc finds.
func (c *Cluster) Start(ctx context.Context, disc discovery.Discovery) error {
	lis, err := net.Listen("tcp", c.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("cluster listen on %s: %w", c.cfg.ListenAddress, err)
	}
	c.mu.Lock()
	c.listener = lis
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Serve(lis); err != nil {
			c.log.Error("cluster: server stopped", "error", err)
		}
	}()
	c.log.Info("cluster: listening", "node", c.cfg.NodeID, "address", lis.Addr().String())

	if disc == nil {
		return nil
	}
	peers, err := disc.FindPeers(ctx)
	if err != nil {
		return fmt.Errorf("cluster discovery: %w", err)
	}
	for _, p := range peers {
		if p.ID == c.cfg.NodeID {
			continue
		}
		if _, err := c.AddMember(p); err != nil {
			return err
		}
	}
	return nil
}

// Serve accepts member connections on lis until the cluster is closed.
func (c *Cluster) Serve(lis net.Listener) error {
	err := c.grpcServer.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Addr returns the listening address, or nil before Start.
func (c *Cluster) Addr() net.Addr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// AddMember connects to peer and starts its sender goroutines.
func (c *Cluster) AddMember(peer discovery.Peer) (*Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("cluster %w", rc.ErrClosed)
	}
	if _, ok := c.members[peer.ID]; ok {
		return nil, fmt.Errorf("member %s: %w", peer.ID, rc.ErrExists)
	}

	target := peer.Address
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(c.cfg.MaxMessageSize)),
	}
	if c.cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.cfg.Dialer))
		target = "passthrough:///" + peer.Address
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("member %s at %s: %w", peer.ID, peer.Address, err)
	}

	m := newMember(peer.ID, peer.Address, conn, c.cfg)
	c.members[peer.ID] = m
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		m.run(c.ctx, m.low, false)
	}()
	go func() {
		defer c.wg.Done()
		m.run(c.ctx, m.high, true)
	}()
	c.log.Info("cluster: member added", "member", peer.ID, "address", peer.Address)
	return m, nil
}

// RemoveMember disconnects a member. Messages still queued for it are
// dropped.
func (c *Cluster) RemoveMember(id string) error {
	c.mu.Lock()
	m, ok := c.members[id]
	delete(c.members, id)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("member %s: %w", id, rc.ErrNotFound)
	}
	return m.close()
}

// Member returns the member with the given ID.
func (c *Cluster) Member(id string) (*Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[id]
	return m, ok
}

// Members returns every member ordered by ID.
func (c *Cluster) Members() []*Member {
	c.mu.RLock()
	out := make([]*Member, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Member) int { return strings.Compare(a.id, b.id) })
	return out
}

// BroadcastInterest tells every member that this node gained or lost
// interest in pattern.
func (c *Cluster) BroadcastInterest(ctx context.Context, pattern string, add bool) error {
	in := Interest{Node: c.cfg.NodeID, Pattern: pattern, Add: add}
	var errs []error
	for _, m := range c.Members() {
		if err := m.SendInterest(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the cluster link.
func (c *Cluster) Stats() Stats {
	members := c.Members()
	s := Stats{NodeID: c.cfg.NodeID, Members: make([]MemberStats, 0, len(members)), Received: c.received.Load()}
	for _, m := range members {
		s.Members = append(s.Members, m.Stats())
	}
	return s
}

// Close stops the server and every member link. Close is idempotent.
func (c *Cluster) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	members := c.members
	c.members = make(map[string]*Member)
	c.mu.Unlock()

	c.cancel()
	c.health.Shutdown()
	c.grpcServer.Stop()

	var errs []error
	for _, m := range members {
		if err := m.close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.wg.Wait()
	return errors.Join(errs...)
}
