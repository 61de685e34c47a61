package clientreg

import (
	"errors"
	"testing"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/clients"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

// TestRegistry_Register tests registration and lookup
func TestRegistry_Register(t *testing.T) {
	r := New(nil)

	c, err := r.Register("client-1", "tenant-a")
	if err != nil {
		t.Fatalf("Expected no error registering client, got: %v", err)
	}
	if c.ID() != "client-1" {
		t.Errorf("Expected ID client-1, got %s", c.ID())
	}
	if c.ConnectedAt().IsZero() {
		t.Error("Expected ConnectedAt to be set")
	}
	if c.ResourceSet().Name() != "tenant-a" {
		t.Errorf("Expected resource set tenant-a, got %s", c.ResourceSet().Name())
	}

	if !r.Exists("client-1") {
		t.Error("Expected client-1 to exist")
	}
	if _, err := r.Register("client-1", ""); !errors.Is(err, rc.ErrExists) {
		t.Errorf("Expected ErrExists on duplicate register, got: %v", err)
	}
	if _, err := r.Register("", ""); !errors.Is(err, ErrEmptyClientID) {
		t.Errorf("Expected ErrEmptyClientID, got: %v", err)
	}
}

// TestRegistry_ResourceSets tests resource set attribution
func TestRegistry_ResourceSets(t *testing.T) {
	sets := clients.NewSets()
	r := New(sets)

	if _, err := r.Register("a", "tenant"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure("b"); err != nil {
		t.Fatal(err)
	}

	if r.ResourceSetOf("a") != sets.Get("tenant") {
		t.Error("Expected client a in the tenant set")
	}
	if r.ResourceSetOf("b") != sets.Default() {
		t.Error("Expected client b in the default set")
	}
	if r.ResourceSetOf("unknown") != sets.Default() {
		t.Error("Expected unknown clients to use the default set")
	}
}

// TestRegistry_Unregister tests removal
func TestRegistry_Unregister(t *testing.T) {
	r := New(nil)
	if _, err := r.Ensure("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Ensure("a"); err != nil {
		t.Fatalf("Ensure on existing client failed: %v", err)
	}
	if got := r.List(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Expected [a], got %v", got)
	}

	if err := r.Unregister("a"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if r.Exists("a") {
		t.Error("Expected client to be gone")
	}
	if err := r.Unregister("a"); !errors.Is(err, rc.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
