package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	ibroker "github.com/rmacdonaldsmith/topicmesh-go/internal/broker"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Broker *ibroker.Broker
	Server *Server
	Auth   *JWTAuth
	HTTP   *httptest.Server
}

// NewTestServerSetup starts a broker and serves the API over httptest.
func NewTestServerSetup(t *testing.T, mutate ...func(*Config)) *TestServerSetup {
	t.Helper()

	b, err := ibroker.New(ibroker.NewConfig("test-node"))
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start broker: %v", err)
	}

	config := Config{
		SecretKey: "test-secret-key",
		KeepAlive: 50 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&config)
	}
	server := NewServer(b, config)
	ts := httptest.NewServer(server.Handler())

	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})

	return &TestServerSetup{
		Broker: b,
		Server: server,
		Auth:   server.jwtAuth,
		HTTP:   ts,
	}
}

// GenerateTestToken creates a JWT token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, "", isAdmin)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends a JSON request and returns the status and body.
func (setup *TestServerSetup) Do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, setup.HTTP.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := setup.HTTP.Client().Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, data
}

// decode unmarshals a response body or fails the test.
func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Failed to decode response %s: %v", data, err)
	}
	return v
}

// login authenticates through the API and returns the token.
func (setup *TestServerSetup) login(t *testing.T, clientID string) string {
	t.Helper()
	status, body := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: clientID})
	if status != http.StatusOK {
		t.Fatalf("Login failed with %d: %s", status, body)
	}
	return decode[AuthResponse](t, body).Token
}
