package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Long:  "Check the health status of the TopicMesh server",
		RunE:  runHealth,
	}
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checking health of %s...\n", serverURL)

	health, err := client.GetHealth(ctx)
	// An unhealthy server still reports its status
	if err != nil && (health == nil || health.Message == "") {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Healthy {
		fmt.Fprintf(out, "Server is healthy\n")
	} else {
		fmt.Fprintf(out, "Server is not healthy\n")
	}
	fmt.Fprintf(out, "Node: %s\n", health.NodeID)
	fmt.Fprintf(out, "Store: %t\n", health.StoreHealthy)
	fmt.Fprintf(out, "Cluster: %t\n", health.ClusterHealthy)
	fmt.Fprintf(out, "Connected Clients: %d\n", health.ConnectedClients)
	fmt.Fprintf(out, "Cluster Members: %d\n", health.ClusterMembers)
	fmt.Fprintf(out, "Subscriptions: %d\n", health.Subscriptions)
	if health.Message != "" {
		fmt.Fprintf(out, "Message: %s\n", health.Message)
	}

	return err
}
