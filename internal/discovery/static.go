package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPeer is returned for a peer entry without an address.
var ErrInvalidPeer = errors.New("discovery: invalid peer entry")

// StaticDiscovery implements Discovery using a fixed list of peer entries.
// An entry is "id@host:port", or just "host:port" when the address doubles
// as the member ID.
type StaticDiscovery struct {
	entries []string
}

// NewStaticDiscovery creates a new static discovery service with the given entries
func NewStaticDiscovery(entries []string) *StaticDiscovery {
	return &StaticDiscovery{
		entries: entries,
	}
}

// ParsePeer parses one "id@host:port" or "host:port" entry.
func ParsePeer(entry string) (Peer, error) {
	entry = strings.TrimSpace(entry)
	id, address, found := strings.Cut(entry, "@")
	if !found {
		address = id
	}
	if address == "" || id == "" {
		return Peer{}, fmt.Errorf("%w: %q", ErrInvalidPeer, entry)
	}
	return Peer{ID: id, Address: address}, nil
}

// FindPeers returns the peers from the static list
func (s *StaticDiscovery) FindPeers(ctx context.Context) ([]Peer, error) {
	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	peers := make([]Peer, 0, len(s.entries))
	for _, entry := range s.entries {
		p, err := ParsePeer(entry)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Verify that StaticDiscovery implements the Discovery interface at compile time
var _ Discovery = (*StaticDiscovery)(nil)
