package cluster

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

var (
	// ErrEmptyNodeID is returned when the configuration has no node ID.
	ErrEmptyNodeID = errors.New("cluster: node ID cannot be empty")
	// ErrEmptyListenAddress is returned when the configuration has no listen address.
	ErrEmptyListenAddress = errors.New("cluster: listen address cannot be empty")
)

// Dialer opens the connection to a member's address.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Config holds configuration for the cluster link.
type Config struct {
	NodeID        string
	ListenAddress string

	// Peers lists the other members as "id@host:port" or "host:port".
	Peers []string

	// LowQueueSize and HighQueueSize bound the per-member queues for
	// unreliable and reliable traffic.
	LowQueueSize  int
	HighQueueSize int

	SendTimeout    time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	MaxMessageSize int

	// Dialer replaces the network dialer, mainly for in-process tests.
	Dialer Dialer
	Logger *slog.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ListenAddress == "" && c.Dialer == nil {
		return ErrEmptyListenAddress
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.LowQueueSize <= 0 {
		c.LowQueueSize = 1000
	}
	if c.HighQueueSize <= 0 {
		c.HighQueueSize = 5000
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
