// Package clientreg keeps the set of connected clients and the resource
// set each one is accounted to.
package clientreg

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/clients"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/rc"
)

var (
	// ErrEmptyClientID is returned when a client id is empty
	ErrEmptyClientID = errors.New("client ID cannot be empty")
)

// Registry implements clients.Registry.
type Registry struct {
	sets *clients.Sets

	mu      sync.RWMutex
	clients map[string]*Client
}

// New creates an empty registry over sets. A nil sets gets a fresh
// collection.
func New(sets *clients.Sets) *Registry {
	if sets == nil {
		sets = clients.NewSets()
	}
	return &Registry{
		sets:    sets,
		clients: make(map[string]*Client),
	}
}

// Sets returns the resource-set collection.
func (r *Registry) Sets() *clients.Sets {
	return r.sets
}

// Register adds a client accounted to the named resource set ("" for the
// default set). Registering a connected client again fails with
// rc.ErrExists.
func (r *Registry) Register(clientID, resourceSet string) (*Client, error) {
	if clientID == "" {
		return nil, ErrEmptyClientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; ok {
		return nil, fmt.Errorf("client %q: %w", clientID, rc.ErrExists)
	}
	c := &Client{
		id:          clientID,
		connectedAt: time.Now(),
		resourceSet: r.sets.Get(resourceSet),
	}
	r.clients[clientID] = c
	return c, nil
}

// Ensure returns the registered client, registering it in the default set
// if needed.
func (r *Registry) Ensure(clientID string) (*Client, error) {
	if c, ok := r.Get(clientID); ok {
		return c, nil
	}
	c, err := r.Register(clientID, "")
	if errors.Is(err, rc.ErrExists) {
		c, _ = r.Get(clientID)
		return c, nil
	}
	return c, err
}

// Unregister removes the client.
func (r *Registry) Unregister(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[clientID]; !ok {
		return fmt.Errorf("client %q: %w", clientID, rc.ErrNotFound)
	}
	delete(r.clients, clientID)
	return nil
}

// Get returns the client.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// Exists implements clients.Registry.
func (r *Registry) Exists(clientID string) bool {
	_, ok := r.Get(clientID)
	return ok
}

// ResourceSetOf implements clients.Registry. Unknown clients are accounted
// to the default set.
func (r *Registry) ResourceSetOf(clientID string) *clients.ResourceSet {
	if c, ok := r.Get(clientID); ok {
		return c.resourceSet
	}
	return r.sets.Default()
}

// List returns the registered client ids in order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Verify that Registry implements the clients.Registry interface at compile time
var _ clients.Registry = (*Registry)(nil)
