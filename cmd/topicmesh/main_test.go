package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// freePort returns a port that was free a moment ago
func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find a free port: %v", err)
	}
	defer l.Close()
	_, port, _ := net.SplitHostPort(l.Addr().String())
	return port
}

// TestVersionFlag tests the -version flag
func TestVersionFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-version"}, &stdout, &stderr); err != nil {
		t.Fatalf("Failed to run -version: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "TopicMesh") || !strings.Contains(out, "v0.1.0") {
		t.Errorf("Expected version output to contain 'TopicMesh' and 'v0.1.0', got: %s", out)
	}
}

// TestHealthFlag tests the -health flag
func TestHealthFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-health", "-node-id", "health-node", "-log-level", "error"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Failed to run -health: %v", err)
	}

	out := stdout.String()
	if !strings.Contains(out, "Health Status") {
		t.Errorf("Expected health output to contain 'Health Status', got: %s", out)
	}
	if !strings.Contains(out, "Node: health-node") {
		t.Errorf("Expected node ID in health output, got: %s", out)
	}
}

// TestInvalidFlags tests that bad configuration is reported before starting
func TestInvalidFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown_policy", []string{"-pattern-policy", "regex"}, "unknown pattern policy"},
		{"bad_log_format", []string{"-log-format", "xml"}, "unknown log format"},
		{"missing_config", []string{"-config", "/nonexistent/topicmesh.yaml"}, "read "},
		{"unknown_flag", []string{"-bogus"}, "flag provided but not defined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), tt.args, &stdout, &stderr)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

// TestLoadFile_FlagsOverrideFile tests that explicitly set flags win over the file
func TestLoadFile_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topicmesh.yaml")
	doc := "node:\n  id: from-file\nhttp:\n  port: \"9000\"\nlog:\n  format: json\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	opts, set, err := parseFlags([]string{"-config", path, "-http-port", "9100", "-peers", "b@h:1, c@h:2"}, &bytes.Buffer{})
	if err != nil {
		t.Fatal(err)
	}
	file, err := loadFile(opts, set)
	if err != nil {
		t.Fatal(err)
	}

	if file.Node.ID != "from-file" {
		t.Errorf("Expected node ID from file, got %q", file.Node.ID)
	}
	if file.HTTP.Port != "9100" {
		t.Errorf("Expected flag port 9100, got %q", file.HTTP.Port)
	}
	if file.Log.Format != "json" {
		t.Errorf("Expected log format from file, got %q", file.Log.Format)
	}
	if file.Log.Level != "info" {
		t.Errorf("Expected default log level, got %q", file.Log.Level)
	}
	if file.Cluster == nil || len(file.Cluster.Peers) != 2 || file.Cluster.Peers[1] != "c@h:2" {
		t.Errorf("Expected two peers from flag, got %+v", file.Cluster)
	}
}

// TestHTTPIntegration tests that the HTTP API server starts successfully,
// serves the root endpoint and shuts down when the context ends
func TestHTTPIntegration(t *testing.T) {
	// Skip this test in short mode since it's an integration test
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-http-port", port, "-node-id", "it-node", "-log-level", "error"}, &stdout, &stderr)
	}()

	// Wait for the server to accept requests
	var resp *http.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		resp, err = http.Get("http://127.0.0.1:" + port + "/")
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Failed to connect to HTTP API: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var apiInfo map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&apiInfo); err != nil {
		t.Fatalf("Failed to decode JSON response: %v", err)
	}
	if service, ok := apiInfo["service"].(string); !ok || service != "TopicMesh HTTP API" {
		t.Errorf("Expected service 'TopicMesh HTTP API', got %v", apiInfo["service"])
	}
	if node, ok := apiInfo["node"].(string); !ok || node != "it-node" {
		t.Errorf("Expected node 'it-node', got %v", apiInfo["node"])
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Server did not shut down")
	}
}
