package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/internal/cluster"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/queue"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/resolver"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/selector"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/topic"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrNegativeCapacity is returned when a store bound is negative
	ErrNegativeCapacity = errors.New("store capacity cannot be negative")
)

const (
	// DefaultClusterRetainedExpiry is how long a cleared retained topic is
	// remembered in a cluster.
	DefaultClusterRetainedExpiry = 24 * time.Hour
	// DefaultMaintenanceInterval is the period of tree pruning and retained expiry.
	DefaultMaintenanceInterval = 30 * time.Second
)

// Config represents configuration for a Broker
type Config struct {
	// NodeID uniquely identifies this node in the cluster
	NodeID string

	// PatternPolicy decides whether "#" may appear before the last segment
	PatternPolicy topic.Policy

	// StrictSystemTopics stops a root "+" from matching "$" topics
	StrictSystemTopics bool

	// Resolver configures the per-worker subscriber-list cache
	Resolver resolver.Config

	// MaxQueueMessages bounds each subscription queue
	MaxQueueMessages int

	// SelectorTimeout bounds a single selector evaluation
	SelectorTimeout time.Duration

	// DefaultSelector applies to subscriptions without a selector of their own
	DefaultSelector string

	// DataDir holds the badger store. Empty keeps the store in memory.
	DataDir string

	// StoreCapacityBytes and StoreMaxRefs bound the persistent store; 0 is unlimited
	StoreCapacityBytes int64
	StoreMaxRefs       int

	// Cluster configures the cluster link. Nil runs a standalone node.
	Cluster *cluster.Config

	// ClusterRetainedExpiry is how long null-retained tombstones are kept
	// when clustered
	ClusterRetainedExpiry time.Duration

	// MaintenanceInterval is the period of background pruning and expiry
	MaintenanceInterval time.Duration

	Logger *slog.Logger
}

// NewConfig creates a new Broker configuration with safe defaults
func NewConfig(nodeID string) *Config {
	c := &Config{NodeID: nodeID}
	c.SetDefaults()
	return c
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.StoreCapacityBytes < 0 || c.StoreMaxRefs < 0 {
		return ErrNegativeCapacity
	}

	// Validate cluster config if provided
	if c.Cluster != nil {
		if err := c.Cluster.Validate(); err != nil {
			return fmt.Errorf("invalid cluster config: %w", err)
		}
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	c.Resolver.SetDefaults()
	if c.MaxQueueMessages <= 0 {
		c.MaxQueueMessages = queue.DefaultMaxMessages
	}
	if c.SelectorTimeout <= 0 {
		c.SelectorTimeout = selector.DefaultTimeout
	}
	if c.ClusterRetainedExpiry <= 0 {
		c.ClusterRetainedExpiry = DefaultClusterRetainedExpiry
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Cluster != nil && c.Cluster.NodeID == "" {
		c.Cluster.NodeID = c.NodeID
	}
}

// WithPatternPolicy sets the pattern policy
func (c *Config) WithPatternPolicy(p topic.Policy) *Config {
	c.PatternPolicy = p
	return c
}

// WithStrictSystemTopics sets whether a root "+" may match system topics
func (c *Config) WithStrictSystemTopics(strict bool) *Config {
	c.StrictSystemTopics = strict
	return c
}

// WithDefaultSelector sets the policy default selector
func (c *Config) WithDefaultSelector(expr string) *Config {
	c.DefaultSelector = expr
	return c
}

// WithDataDir stores persistent messages in a badger database under dir
func (c *Config) WithDataDir(dir string) *Config {
	c.DataDir = dir
	return c
}

// WithStoreLimits bounds the persistent store
func (c *Config) WithStoreLimits(bytes int64, refs int) *Config {
	c.StoreCapacityBytes = bytes
	c.StoreMaxRefs = refs
	return c
}

// WithCluster sets the cluster configuration
func (c *Config) WithCluster(config *cluster.Config) *Config {
	c.Cluster = config
	if config != nil && config.NodeID == "" {
		config.NodeID = c.NodeID
	}
	return c
}

// WithLogger sets the logger
func (c *Config) WithLogger(l *slog.Logger) *Config {
	c.Logger = l
	return c
}
