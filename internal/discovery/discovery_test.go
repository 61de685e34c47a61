package discovery

import (
	"context"
	"errors"
	"testing"
)

// TestStaticDiscovery_FindPeers tests parsing of named and bare entries
func TestStaticDiscovery_FindPeers(t *testing.T) {
	discovery := NewStaticDiscovery([]string{"node-2@node2:7946", "node3:7946"})

	peers, err := discovery.FindPeers(context.Background())
	if err != nil {
		t.Fatalf("Expected no error from FindPeers, got %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("Expected 2 peers, got %d", len(peers))
	}

	if peers[0].ID != "node-2" || peers[0].Address != "node2:7946" {
		t.Errorf("Expected node-2 at node2:7946, got %+v", peers[0])
	}
	if peers[1].ID != "node3:7946" || peers[1].Address != "node3:7946" {
		t.Errorf("Expected bare address to double as ID, got %+v", peers[1])
	}
}

// TestStaticDiscovery_EmptyEntries tests discovery with no peers
func TestStaticDiscovery_EmptyEntries(t *testing.T) {
	peers, err := NewStaticDiscovery(nil).FindPeers(context.Background())
	if err != nil {
		t.Errorf("Expected no error with no entries, got %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("Expected 0 peers, got %d", len(peers))
	}
}

// TestStaticDiscovery_InvalidEntry tests that malformed entries are rejected
func TestStaticDiscovery_InvalidEntry(t *testing.T) {
	for _, entry := range []string{"", "node-2@", "@host:1"} {
		_, err := NewStaticDiscovery([]string{entry}).FindPeers(context.Background())
		if !errors.Is(err, ErrInvalidPeer) {
			t.Errorf("Expected ErrInvalidPeer for %q, got %v", entry, err)
		}
	}
}

// TestStaticDiscovery_ContextCancelled tests that a cancelled context is honoured
func TestStaticDiscovery_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewStaticDiscovery([]string{"a:1"}).FindPeers(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
