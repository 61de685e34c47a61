package httpapi

import (
	"encoding/json"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID    string `json:"clientId"`
	ResourceSet string `json:"resourceSet,omitempty"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token       string    `json:"token"`
	ClientID    string    `json:"clientId"`
	ResourceSet string    `json:"resourceSet,omitempty"`
	IsAdmin     bool      `json:"isAdmin,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PublishRequest represents a message publishing request. Payload is any
// JSON value; a retained publish without one clears the retained message.
type PublishRequest struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	QoS        string          `json:"qos,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
	Retain     bool            `json:"retain,omitempty"`
	// TTL is a Go duration string such as "30s".
	TTL string `json:"ttl,omitempty"`

	InformationalCodes bool `json:"informationalCodes,omitempty"`
	FailOnRejection    bool `json:"failOnRejection,omitempty"`
	OnlyUpdateRetained bool `json:"onlyUpdateRetained,omitempty"`
}

// PublishResponse represents a message publishing response
type PublishResponse struct {
	MessageID       string    `json:"messageId"`
	Code            string    `json:"code"`
	Subscribers     int       `json:"subscribers"`
	Remotes         int       `json:"remotes"`
	Delivered       int       `json:"delivered"`
	Skipped         int       `json:"skipped"`
	Rejected        int       `json:"rejected"`
	RetainedUpdated bool      `json:"retainedUpdated,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// SubscriptionRequest represents a subscription creation request
type SubscriptionRequest struct {
	Name        string   `json:"name,omitempty"`
	Pattern     string   `json:"pattern"`
	QoS         string   `json:"qos,omitempty"`
	Options     []string `json:"options,omitempty"`
	Selector    string   `json:"selector,omitempty"`
	MaxMessages int      `json:"maxMessages,omitempty"`
}

// SubscriptionsListResponse represents a list of subscriptions
type SubscriptionsListResponse struct {
	Subscriptions []broker.SubscriptionInfo `json:"subscriptions"`
}

// SharedRequest joins a shared subscription
type SharedRequest struct {
	QoS string `json:"qos,omitempty"`
}

// MessageResponse is one delivered message
type MessageResponse struct {
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Properties   map[string]any  `json:"properties,omitempty"`
	QoS          string          `json:"qos"`
	Retained     bool            `json:"retained,omitempty"`
	OriginServer string          `json:"originServer,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ReceiveResponse is the result of a receive long poll
type ReceiveResponse struct {
	Subscription string            `json:"subscription"`
	Messages     []MessageResponse `json:"messages"`
}

// PatternsResponse lists the subscribed patterns
type PatternsResponse struct {
	Patterns []broker.PatternInfo `json:"patterns"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	broker.HealthStatus
	NodeID string `json:"nodeId"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
