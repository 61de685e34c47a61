package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/httpclient"
)

const (
	// tokenEnv supplies the token when --token is not given
	tokenEnv = "TOPICMESH_TOKEN"
	// devClientID is the identity a --no-auth server gives every request
	devClientID = "dev-client"
)

var (
	// Global flags
	serverURL string
	clientID  string
	token     string
	timeout   time.Duration
	noAuth    bool

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "topicmesh-cli",
		Short: "TopicMesh HTTP API command line interface",
		Long: `topicmesh-cli is a command line interface for the TopicMesh HTTP API.
It provides commands for authentication, publishing, subscription management,
receiving and streaming messages, and node administration.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8081", "TopicMesh server URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "", "Client ID for authentication")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "JWT token (defaults to $"+tokenEnv+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&noAuth, "no-auth", false, "Skip authentication (for development with --no-auth servers)")

	// Add subcommands
	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newSubscriptionsCommand())
	rootCmd.AddCommand(newReceiveCommand())
	rootCmd.AddCommand(newStreamCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	if token == "" {
		token = os.Getenv(tokenEnv)
	}

	// A token or a no-auth server makes the client ID informational
	effectiveClientID := clientID
	if effectiveClientID == "" {
		switch {
		case noAuth:
			effectiveClientID = devClientID
		case token != "" || cmd.Name() == "health":
			effectiveClientID = "topicmesh-cli"
		default:
			return fmt.Errorf("client-id is required (unless using --token or --no-auth)")
		}
	}

	config := httpclient.Config{
		ServerURL: serverURL,
		ClientID:  effectiveClientID,
		Timeout:   timeout,
	}

	var err error
	client, err = httpclient.NewClient(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	// Set token if provided, or set dummy token in no-auth mode
	if token != "" {
		client.SetToken(token)
	} else if noAuth {
		client.SetToken("no-auth-mode")
	}

	return nil
}

// requireAuthentication checks if the client is authenticated
func requireAuthentication() error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}

	if !client.IsAuthenticated() {
		return fmt.Errorf("not authenticated - run 'topicmesh-cli auth' first or provide --token")
	}
	return nil
}
