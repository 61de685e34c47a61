// Package httpclient is a Go client for the TopicMesh HTTP API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
)

// ErrNotAuthenticated is returned by calls that need a token before
// Authenticate has succeeded.
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// Client provides HTTP client for TopicMesh API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new TopicMesh HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid ServerURL %q: scheme and host are required", config.ServerURL)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate logs in and stores the token
func (c *Client) Authenticate(ctx context.Context) (*AuthResponse, error) {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}
	if c.config.ResourceSet != "" {
		authReq["resourceSet"] = c.config.ResourceSet
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", nil, authReq, &authResp, false); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return &authResp, nil
}

// Logout ends the broker session. Non-durable subscriptions are dropped.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/logout", nil, nil, nil, true); err != nil {
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Publish publishes a message
func (c *Client) Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	var resp PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/messages", nil, req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	return &resp, nil
}

// PublishJSON publishes payload, marshalled as JSON, at-most-once
func (c *Client) PublishJSON(ctx context.Context, topic string, payload any) (*PublishResponse, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Publish(ctx, PublishRequest{Topic: topic, Payload: data})
}

// Receive waits up to wait for messages on a subscription and returns at
// most max of them
func (c *Client) Receive(ctx context.Context, subscription string, wait time.Duration, max int) ([]Message, error) {
	q := url.Values{}
	q.Set("subscription", subscription)
	q.Set("wait", wait.String())
	if max > 0 {
		q.Set("max", strconv.Itoa(max))
	}

	var resp ReceiveResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/messages", q, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to receive: %w", err)
	}
	return resp.Messages, nil
}

// CreateSubscription creates a subscription
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*broker.SubscriptionInfo, error) {
	var resp broker.SubscriptionInfo
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/subscriptions", nil, req, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &resp, nil
}

// ListSubscriptions returns all subscriptions for this client
func (c *Client) ListSubscriptions(ctx context.Context) ([]broker.SubscriptionInfo, error) {
	var resp SubscriptionsListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/subscriptions", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return resp.Subscriptions, nil
}

// DeleteSubscription removes a subscription by name
func (c *Client) DeleteSubscription(ctx context.Context, name string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/subscriptions/"+url.PathEscape(name), nil, nil, nil, true); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// JoinShared joins the shared subscription name owned by owner
func (c *Client) JoinShared(ctx context.Context, owner, name, qos string) error {
	path := "/api/v1/shared/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	if err := c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"qos": qos}, nil, true); err != nil {
		return fmt.Errorf("failed to join shared subscription: %w", err)
	}
	return nil
}

// LeaveShared leaves a shared subscription
func (c *Client) LeaveShared(ctx context.Context, owner, name string) error {
	path := "/api/v1/shared/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, nil, nil, true); err != nil {
		return fmt.Errorf("failed to leave shared subscription: %w", err)
	}
	return nil
}

// GetHealth returns the health status of the TopicMesh server. An unhealthy
// node answers 503 with the status in the body, which is returned with the
// error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil, &resp, false)
	if err != nil {
		return &resp, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminListSubscriptions returns every subscription, or one client's
func (c *Client) AdminListSubscriptions(ctx context.Context, clientID string) ([]broker.SubscriptionInfo, error) {
	var q url.Values
	if clientID != "" {
		q = url.Values{"client": {clientID}}
	}
	var resp SubscriptionsListResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/subscriptions", q, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list all subscriptions: %w", err)
	}
	return resp.Subscriptions, nil
}

// AdminPatterns returns the subscribed patterns
func (c *Client) AdminPatterns(ctx context.Context) ([]broker.PatternInfo, error) {
	var resp PatternsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/patterns", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	return resp.Patterns, nil
}

// AdminGetStats returns node statistics
func (c *Client) AdminGetStats(ctx context.Context) (*broker.Stats, error) {
	var resp broker.Stats
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/stats", nil, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// AdminDisconnect ends another client's session
func (c *Client) AdminDisconnect(ctx context.Context, clientID string) error {
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/admin/clients/"+url.PathEscape(clientID), nil, nil, nil, true); err != nil {
		return fmt.Errorf("failed to disconnect client: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request. GET requests are retried on transport
// errors and gateway failures.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, reqBody, respBody any, requireAuth bool) error {
	if requireAuth && c.token == "" {
		return ErrNotAuthenticated
	}

	var body []byte
	if reqBody != nil {
		var err error
		if body, err = json.Marshal(reqBody); err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	u := c.baseURL.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	attempts := 1
	if method == http.MethodGet {
		attempts += c.config.MaxRetries
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		var retry bool
		retry, err = c.roundTrip(ctx, method, u.String(), body, respBody, requireAuth)
		if !retry {
			return err
		}
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, target string, body []byte, respBody any, requireAuth bool) (bool, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(data)}
		var errResp ErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		if respBody != nil {
			// Health reports an unhealthy node with a full body.
			_ = json.Unmarshal(data, respBody)
		}
		retry := resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout
		return retry, apiErr
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return false, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return false, nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// ClientID returns the configured client id
func (c *Client) ClientID() string {
	return c.config.ClientID
}

// SetResourceSet changes the resource set sent by the next Authenticate
func (c *Client) SetResourceSet(resourceSet string) {
	c.config.ResourceSet = resourceSet
}
