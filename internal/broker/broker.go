// Package broker wires the topic tree, the resolver, the fan-out engine and
// their collaborators into a TopicMesh node.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/clientreg"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/cluster"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/discovery"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/fanout"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/namedsubs"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/resolver"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/retained"
	iselector "github.com/rmacdonaldsmith/topicmesh-go/internal/selector"
	istore "github.com/rmacdonaldsmith/topicmesh-go/internal/store"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/subscription"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/topictree"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/selector"
)

var (
	// ErrNilConfig is returned when a broker is created without configuration
	ErrNilConfig = errors.New("config cannot be nil")
	// ErrNotStarted is returned by client operations before Start
	ErrNotStarted = errors.New("broker is not started")
	// ErrBrokerClosed is returned by every operation after Close
	ErrBrokerClosed = fmt.Errorf("broker %w", rc.ErrClosed)
	// ErrClientNotConnected is returned for clients that never connected
	ErrClientNotConnected = fmt.Errorf("client not connected: %w", rc.ErrNotFound)
	// ErrNotShared is returned by JoinShared and LeaveShared for unshared subscriptions
	ErrNotShared = fmt.Errorf("%w: subscription is not shared", rc.ErrValidation)
)

// Broker implements the broker.Broker interface.
// It owns the topic tree and every index that refers to subscriptions, and
// runs publishes through the fan-out engine.
type Broker struct {
	mu  sync.RWMutex
	cfg *Config
	log *slog.Logger

	// Core components
	tree      *topictree.Tree
	resolver  *resolver.Resolver
	engine    *fanout.Engine
	subs      *namedsubs.Index
	clients   *clientreg.Registry
	evaluator *iselector.Evaluator
	retained  *retained.Store
	store     *istore.Store
	cluster   *cluster.Cluster

	// Cluster-shared subscription count per pattern
	interestMu sync.Mutex
	interest   map[string]int

	// Shared subscriptions joined by clients other than their owner
	membersMu sync.RWMutex
	members   map[memberKey]*subscription.Subscription

	// State management
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type memberKey struct {
	clientID string
	name     string
}

// New creates a broker with the given configuration. It opens the store
// but starts nothing; call Start to begin operation.
func New(config *Config) (*Broker, error) {
	if config == nil {
		return nil, ErrNilConfig
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	config.SetDefaults()
	log := config.Logger

	tree := topictree.New(topictree.Config{
		PatternPolicy:      config.PatternPolicy,
		StrictSystemTopics: config.StrictSystemTopics,
		Logger:             log,
	})
	rcfg := config.Resolver
	rcfg.Logger = log
	res := resolver.New(tree, rcfg)

	evaluator := iselector.NewEvaluator(config.SelectorTimeout, log)
	var defaultRule selector.Rule
	if config.DefaultSelector != "" {
		rule, err := evaluator.Compile(config.DefaultSelector)
		if err != nil {
			return nil, fmt.Errorf("default selector: %w", err)
		}
		defaultRule = rule
	}

	st, err := openStore(config)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		cfg:       config,
		log:       log,
		tree:      tree,
		resolver:  res,
		subs:      namedsubs.NewIndex(),
		clients:   clientreg.New(nil),
		evaluator: evaluator,
		retained:  retained.New(log),
		store:     st,
		interest:  make(map[string]int),
		members:   make(map[memberKey]*subscription.Subscription),
	}
	b.engine = fanout.New(res, fanout.Config{
		Store:                 st,
		Retained:              b.retained,
		Evaluator:             evaluator,
		Registry:              b.clients,
		Clustered:             config.Cluster != nil,
		ClusterRetainedExpiry: config.ClusterRetainedExpiry,
		DefaultSelector:       defaultRule,
		Logger:                log,
	})

	if config.Cluster != nil {
		ccfg := *config.Cluster
		if ccfg.Logger == nil {
			ccfg.Logger = log
		}
		c, err := cluster.New(ccfg, b)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create cluster link: %w", err)
		}
		b.cluster = c
	}
	return b, nil
}

func openStore(cfg *Config) (*istore.Store, error) {
	scfg := istore.Config{
		CapacityBytes: cfg.StoreCapacityBytes,
		MaxRefs:       cfg.StoreMaxRefs,
		Logger:        cfg.Logger,
	}
	if cfg.DataDir == "" {
		return istore.NewMemory(scfg), nil
	}
	st, err := istore.OpenBadger(istore.BadgerConfig{Config: scfg, Dir: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return st, nil
}

// Start restores retained messages and durable subscriptions, joins the cluster and starts background
// maintenance. Start is idempotent.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.started {
		return nil
	}

	n, err := b.retained.Load(ctx, b.store)
	if err != nil {
		return fmt.Errorf("failed to restore retained messages: %w", err)
	}
	if n > 0 {
		b.log.Info("broker: restored retained messages", "count", n)
	}
	n, err = b.restoreSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore durable subscriptions: %w", err)
	}
	if n > 0 {
		b.log.Info("broker: restored durable subscriptions", "count", n)
	}

	if b.cluster != nil {
		disc := discovery.NewStaticDiscovery(b.cfg.Cluster.Peers)
		if err := b.cluster.Start(ctx, disc); err != nil {
			return fmt.Errorf("failed to start cluster link: %w", err)
		}
		for _, m := range b.cluster.Members() {
			b.syncInterest(ctx, m)
		}
	}

	mctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.maintain(mctx)
	}()

	b.started = true
	b.log.Info("broker: started", "node", b.cfg.NodeID)
	return nil
}

// Stop halts background maintenance. Stop is idempotent.
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked()
	return nil
}

func (b *Broker) stopLocked() {
	if !b.started {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.started = false
}

// Close stops the broker, drops every subscription and closes the cluster
// link and the store. Durable subscriptions keep their stored definition and
// queued persistent messages for the next Start. Close is idempotent.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.stopLocked()
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if b.cluster != nil {
		if err := b.cluster.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cluster link: %w", err))
		}
	}

	ctx := context.Background()
	b.subs.Each(func(clientID string, subs []*subscription.Subscription) bool {
		for _, sub := range subs {
			if sub.Options.Has(delivery.Durable) {
				b.retire(ctx, clientID, sub.Name)
				continue
			}
			b.drop(ctx, clientID, sub.Name)
		}
		return true
	})

	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

// NodeID returns this node's identifier in the cluster.
func (b *Broker) NodeID() string {
	return b.cfg.NodeID
}

// checkRunning returns an error unless the broker is started and open.
func (b *Broker) checkRunning() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if !b.started {
		return ErrNotStarted
	}
	return nil
}

func (b *Broker) maintain(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runMaintenance()
		}
	}
}

// runMaintenance prunes emptied tree nodes and drops expired retained
// messages.
func (b *Broker) runMaintenance() (pruned, expired int) {
	pruned = b.tree.Prune()
	expired = b.retained.Expire()
	if pruned > 0 || expired > 0 {
		b.log.Debug("broker: maintenance", "pruned", pruned, "expired", expired)
	}
	return pruned, expired
}

// Verify that Broker implements the broker.Broker interface at compile time
var _ broker.Broker = (*Broker)(nil)

// Verify that Broker implements the cluster.Handler interface at compile time
var _ cluster.Handler = (*Broker)(nil)
