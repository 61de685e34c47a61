package broker

import (
	"context"
	"io"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/delivery"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/message"
)

// SubscribeRequest registers a subscription.
type SubscribeRequest struct {
	ClientID string
	// Name identifies the subscription within the client. Anonymous
	// subscriptions are named by their pattern.
	Name        string
	Pattern     string
	QoS         message.Reliability
	Options     delivery.SubOptions
	Selector    string
	MaxMessages int
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	ClientID  string    `json:"clientId"`
	Name      string    `json:"name"`
	Pattern   string    `json:"pattern"`
	QoS       string    `json:"qos"`
	Options   []string  `json:"options,omitempty"`
	Selector  string    `json:"selector,omitempty"`
	Depth     int       `json:"depth"`
	Members   []string  `json:"members,omitempty"`
	Retained  int       `json:"retained,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// PublishOptions modify a single publish.
type PublishOptions struct {
	InformationalCodes bool
	FailOnRejection    bool
	OnlyUpdateRetained bool
}

// PublishRequest is one message published by a client.
type PublishRequest struct {
	ClientID string
	Message  *message.Message
	Options  PublishOptions
}

// PublishResult reports the outcome of a publish.
type PublishResult struct {
	delivery.Summary
	RetainedUpdated bool
}

// CodeName returns the informational code as text.
func (r PublishResult) CodeName() string {
	return r.Code.String()
}

// PatternInfo describes one subscribed pattern in the topic tree.
type PatternInfo struct {
	Pattern         string `json:"pattern"`
	Subscribers     int    `json:"subscribers"`
	RemoteInterests int    `json:"remoteInterests"`
}

// TreeStats describes the topic tree.
type TreeStats struct {
	Nodes           int64  `json:"nodes"`
	Subscriptions   int64  `json:"subscriptions"`
	RemoteInterests int64  `json:"remoteInterests"`
	PendingPrune    int    `json:"pendingPrune"`
	Generation      uint64 `json:"generation"`
}

// ResolverStats describes the subscriber-list cache.
type ResolverStats struct {
	Resolves      int64 `json:"resolves"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
	Evictions     int64 `json:"evictions"`
}

// PublishStats are node-wide publish counters.
type PublishStats struct {
	Publishes          int64 `json:"publishes"`
	Failures           int64 `json:"failures"`
	Delivered          int64 `json:"delivered"`
	Skipped            int64 `json:"skipped"`
	Rejected           int64 `json:"rejected"`
	NoDestinations     int64 `json:"noDestinations"`
	RetainedUpdates    int64 `json:"retainedUpdates"`
	RetainedSuperseded int64 `json:"retainedSuperseded"`
	ForwardedIn        int64 `json:"forwardedIn"`
	ForwardedOut       int64 `json:"forwardedOut"`
}

// StoreStats describes persistent store usage.
type StoreStats struct {
	UsedBytes     int64 `json:"usedBytes"`
	ReservedBytes int64 `json:"reservedBytes"`
	Records       int64 `json:"records"`
	Commits       int64 `json:"commits"`
	Rollbacks     int64 `json:"rollbacks"`
}

// ResourceSetStats are the publish counters of one resource set, keyed by
// reliability name.
type ResourceSetStats struct {
	Name string                 `json:"name"`
	QoS  map[string]QoSCounters `json:"qos"`
}

// QoSCounters are the publish counters of one reliability class.
type QoSCounters struct {
	Messages      int64 `json:"messages"`
	Bytes         int64 `json:"bytes"`
	MaxRecipients int64 `json:"maxRecipients"`
}

// Stats is an administrative snapshot of a node.
type Stats struct {
	NodeID         string             `json:"nodeId"`
	Clients        int                `json:"clients"`
	Retained       int                `json:"retained"`
	ClusterMembers int                `json:"clusterMembers"`
	Tree           TreeStats          `json:"tree"`
	Resolver       ResolverStats      `json:"resolver"`
	Publish        PublishStats       `json:"publish"`
	Store          StoreStats         `json:"store"`
	ResourceSets   []ResourceSetStats `json:"resourceSets"`
}

// HealthStatus represents the overall health of a node
type HealthStatus struct {
	// Healthy indicates if the node is functioning properly
	Healthy bool `json:"healthy"`

	// StoreHealthy indicates if the persistent store accepts work
	StoreHealthy bool `json:"storeHealthy"`

	// ClusterHealthy indicates if the cluster link is operational
	ClusterHealthy bool `json:"clusterHealthy"`

	ConnectedClients int `json:"connectedClients"`
	ClusterMembers   int `json:"clusterMembers"`
	Subscriptions    int `json:"subscriptions"`

	// Message provides additional health information
	Message string `json:"message"`
}

// Broker is a single TopicMesh node.
type Broker interface {
	io.Closer

	// Start opens the store, restores retained messages and joins the cluster.
	Start(ctx context.Context) error

	// Stop halts background maintenance and leaves the cluster.
	Stop(ctx context.Context) error

	// Connect registers a client, accounted to the named resource set.
	Connect(ctx context.Context, clientID, resourceSet string) error

	// Disconnect drops the client's non-durable subscriptions and
	// unregisters it.
	Disconnect(ctx context.Context, clientID string) error

	// Subscribe registers a subscription and delivers the retained messages
	// that match it.
	Subscribe(ctx context.Context, req SubscribeRequest) (SubscriptionInfo, error)

	// Unsubscribe removes a client's subscription by name.
	Unsubscribe(ctx context.Context, clientID, name string) error

	// JoinShared adds a member client to a shared subscription.
	JoinShared(ctx context.Context, ownerID, name, memberID string, qos message.Reliability) error

	// LeaveShared removes a member; the subscription goes with its last member.
	LeaveShared(ctx context.Context, ownerID, name, memberID string) error

	// Publish fans a message out to every matching subscription.
	Publish(ctx context.Context, req PublishRequest) (PublishResult, error)

	// Receive blocks until the subscription has a message. The caller
	// releases the returned message.
	Receive(ctx context.Context, clientID, name string) (*message.Message, error)

	// ListSubscriptions lists a client's subscriptions, or every
	// subscription when clientID is empty.
	ListSubscriptions(ctx context.Context, clientID string) ([]SubscriptionInfo, error)

	// Patterns lists the subscribed patterns in the topic tree.
	Patterns(ctx context.Context) ([]PatternInfo, error)

	// Stats returns an administrative snapshot.
	Stats(ctx context.Context) (Stats, error)

	// Health returns the overall health status of this node.
	Health(ctx context.Context) (HealthStatus, error)

	// NodeID returns this node's identifier in the cluster.
	NodeID() string
}
