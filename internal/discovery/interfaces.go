package discovery

import "context"

// Peer is another cluster member.
type Peer struct {
	ID      string
	Address string
}

// Discovery defines the interface for member discovery mechanisms
type Discovery interface {
	// FindPeers discovers and returns the other members
	FindPeers(ctx context.Context) ([]Peer, error)
}
