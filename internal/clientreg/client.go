package clientreg

import (
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/clients"
)

// Client is a connected publisher or subscriber. The broker trusts the
// transport that registered it; there is no per-client authentication.
type Client struct {
	id          string
	connectedAt time.Time
	resourceSet *clients.ResourceSet
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// ConnectedAt returns when the client registered.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

// ResourceSet returns the set the client's publishes are attributed to.
func (c *Client) ResourceSet() *clients.ResourceSet {
	return c.resourceSet
}
