package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ibroker "github.com/rmacdonaldsmith/topicmesh-go/internal/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/httpclient"
)

const testSecret = "cli-test-secret"

// execute runs the CLI with args and returns its standard output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(tokenEnv, "")

	rootCmd := newRootCommand()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func newLiveServer(t *testing.T) string {
	t.Helper()
	b, err := ibroker.New(ibroker.NewConfig("cli-node"))
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	api := httpapi.NewServer(b, httpapi.Config{SecretKey: testSecret})
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = b.Close()
	})
	return ts.URL
}

func testToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()
	tok, _, err := httpapi.NewJWTAuth(testSecret, time.Hour).GenerateToken(clientID, "", isAdmin)
	require.NoError(t, err)
	return tok
}

func TestMainCommandHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)

	for _, name := range []string{"auth", "health", "publish", "subscribe", "subscriptions", "receive", "stream", "admin"} {
		assert.Contains(t, out, name)
	}
}

func TestGlobalFlags(t *testing.T) {
	rootCmd := newRootCommand()
	err := rootCmd.ParseFlags([]string{"--server", "http://example.com", "--client-id", "test", "--timeout", "10s"})
	require.NoError(t, err)

	assert.Equal(t, "http://example.com", serverURL)
	assert.Equal(t, "test", clientID)
	assert.Equal(t, 10*time.Second, timeout)
}

func TestClientIDRequired(t *testing.T) {
	_, err := execute(t, "publish", "--topic", "a/b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client-id is required")
}

func TestRequireAuthentication(t *testing.T) {
	t.Run("returns error when client is nil", func(t *testing.T) {
		originalClient := client
		client = nil
		defer func() { client = originalClient }()

		err := requireAuthentication()
		assert.ErrorContains(t, err, "client not initialized")
	})

	t.Run("returns error when not authenticated", func(t *testing.T) {
		testClient, err := httpclient.NewClient(httpclient.Config{ServerURL: "http://localhost:8081", ClientID: "test-client"})
		require.NoError(t, err)

		originalClient := client
		client = testClient
		defer func() { client = originalClient }()

		assert.ErrorContains(t, requireAuthentication(), "not authenticated")
	})

	t.Run("succeeds when authenticated", func(t *testing.T) {
		testClient, err := httpclient.NewClient(httpclient.Config{ServerURL: "http://localhost:8081", ClientID: "test-client"})
		require.NoError(t, err)
		testClient.SetToken("test-token")

		originalClient := client
		client = testClient
		defer func() { client = originalClient }()

		assert.NoError(t, requireAuthentication())
	})
}

func TestInvalidProperty(t *testing.T) {
	_, err := execute(t, "--server", "http://localhost:1", "--token", "t", "publish", "--topic", "a/b", "--prop", "novalue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid property")
}

func TestJSONValue(t *testing.T) {
	assert.Equal(t, `{"a":1}`, string(jsonValue(`{"a":1}`)))
	assert.Equal(t, `"hello world"`, string(jsonValue("hello world")))
	assert.Equal(t, `42`, string(jsonValue("42")))
}

func TestCommandsAgainstServer(t *testing.T) {
	url := newLiveServer(t)
	alice := testToken(t, "alice", false)
	admin := testToken(t, "admin", true)

	as := func(tok string, args ...string) (string, error) {
		return execute(t, append([]string{"--server", url, "--token", tok}, args...)...)
	}

	t.Run("auth", func(t *testing.T) {
		out, err := execute(t, "--server", url, "--client-id", "alice", "auth")
		require.NoError(t, err)
		assert.Contains(t, out, "Authentication successful")
		assert.Contains(t, out, "export "+tokenEnv)
	})

	t.Run("subscribe", func(t *testing.T) {
		out, err := as(alice, "subscribe", "--pattern", "sensors/+/temp", "--name", "temps",
			"--qos", "at-least-once", "--selector", ".celsius > 20")
		require.NoError(t, err)
		assert.Contains(t, out, "Subscription created")
		assert.Contains(t, out, "Pattern: sensors/+/temp")
		assert.Contains(t, out, "Selector: .celsius > 20")
	})

	t.Run("publish", func(t *testing.T) {
		out, err := as(alice, "publish", "--topic", "sensors/room1/temp", "--payload", `{"reading":1}`,
			"--prop", "celsius=25", "--qos", "at-least-once")
		require.NoError(t, err)
		assert.Contains(t, out, "Delivered: 1")

		out, err = as(alice, "publish", "--topic", "sensors/room2/temp", "--prop", "celsius=5", "--qos", "at-least-once")
		require.NoError(t, err)
		assert.Contains(t, out, "Skipped: 1")
	})

	t.Run("receive", func(t *testing.T) {
		out, err := as(alice, "receive", "--subscription", "temps", "--wait", "1s")
		require.NoError(t, err)
		assert.Contains(t, out, "Topic: sensors/room1/temp")
		assert.Contains(t, out, `Payload: {"reading":1}`)
		assert.Contains(t, out, `"celsius":25`)
		assert.NotContains(t, out, "room2")

		out, err = as(alice, "receive", "--subscription", "temps", "--wait", "0s")
		require.NoError(t, err)
		assert.Contains(t, out, "No messages")
	})

	t.Run("list", func(t *testing.T) {
		out, err := as(alice, "subscriptions", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "Found 1 subscription(s)")
		assert.Contains(t, out, "Name: temps")
	})

	t.Run("admin_requires_privileges", func(t *testing.T) {
		_, err := as(alice, "admin", "stats")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "403")
	})

	t.Run("admin", func(t *testing.T) {
		out, err := as(admin, "admin", "patterns")
		require.NoError(t, err)
		assert.Contains(t, out, "sensors/+/temp")

		out, err = as(admin, "admin", "subscriptions", "--client", "alice")
		require.NoError(t, err)
		assert.Contains(t, out, "Client ID: alice")

		out, err = as(admin, "admin", "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "Node cli-node")
		assert.Contains(t, out, "Publishes: 2")
	})

	t.Run("delete", func(t *testing.T) {
		out, err := as(alice, "subscriptions", "delete", "--name", "temps")
		require.NoError(t, err)
		assert.Contains(t, out, "Subscription deleted")

		_, err = as(alice, "subscriptions", "delete", "--name", "temps")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
	})

	t.Run("health", func(t *testing.T) {
		out, err := execute(t, "--server", url, "health")
		require.NoError(t, err)
		assert.Contains(t, out, "Server is healthy")
		assert.Contains(t, out, "Node: cli-node")
	})
}

