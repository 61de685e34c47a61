package httpclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the TopicMesh HTTP API (e.g., "http://localhost:8081")
	ServerURL string

	// ClientID is the identifier for this client
	ClientID string

	// ResourceSet the client's publishes are accounted to (optional)
	ResourceSet string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for GET requests that fail in transit or at a gateway
	MaxRetries int

	// RetryDelay between attempts
	RetryDelay time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token       string    `json:"token"`
	ClientID    string    `json:"clientId"`
	ResourceSet string    `json:"resourceSet,omitempty"`
	IsAdmin     bool      `json:"isAdmin,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// PublishRequest represents a message publishing request
type PublishRequest struct {
	Topic      string          `json:"topic"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	QoS        string          `json:"qos,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
	Retain     bool            `json:"retain,omitempty"`
	TTL        string          `json:"ttl,omitempty"`

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

// Message is one delivered message
type Message struct {
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
	Subscription string    `json:"subscription"`
	Messages     []Message `json:"messages"`
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

// APIError is returned for responses with an error status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
