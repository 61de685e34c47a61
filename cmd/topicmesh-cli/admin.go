package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for inspecting and managing a TopicMesh node",
	}

	cmd.AddCommand(newAdminSubscriptionsCommand())
	cmd.AddCommand(newAdminPatternsCommand())
	cmd.AddCommand(newAdminStatsCommand())
	cmd.AddCommand(newAdminDisconnectCommand())

	return cmd
}

func newAdminSubscriptionsCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List subscriptions across all clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminSubscriptions(cmd, owner)
		},
	}

	cmd.Flags().StringVar(&owner, "client", "", "Only list this client's subscriptions")
	return cmd
}

func newAdminPatternsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "patterns",
		Short: "List subscribed patterns with local and remote interest",
		RunE:  runAdminPatterns,
	}
}

func newAdminStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show node statistics",
		RunE:  runAdminStats,
	}
}

func newAdminDisconnectCommand() *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "disconnect",
		Short: "Disconnect a client and drop its subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.AdminDisconnect(ctx, target); err != nil {
				return fmt.Errorf("failed to disconnect client: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Client '%s' disconnected\n", target)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "client", "", "Client ID to disconnect (required)")
	if err := cmd.MarkFlagRequired("client"); err != nil {
		panic(fmt.Sprintf("Failed to mark client as required: %v", err))
	}
	return cmd
}

func runAdminSubscriptions(cmd *cobra.Command, owner string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	subscriptions, err := client.AdminListSubscriptions(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	if len(subscriptions) == 0 {
		fmt.Fprintln(out, "No subscriptions found")
		return nil
	}

	fmt.Fprintf(out, "Found %d subscription(s):\n\n", len(subscriptions))
	for i, sub := range subscriptions {
		fmt.Fprintf(out, "%d.\n", i+1)
		printSubscription(out, sub, "   ")
		if i < len(subscriptions)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func runAdminPatterns(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	patterns, err := client.AdminPatterns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list patterns: %w", err)
	}

	if len(patterns) == 0 {
		fmt.Fprintln(out, "No patterns subscribed")
		return nil
	}

	fmt.Fprintf(out, "%-40s %12s %8s\n", "PATTERN", "SUBSCRIBERS", "REMOTE")
	for _, p := range patterns {
		fmt.Fprintf(out, "%-40s %12d %8d\n", p.Pattern, p.Subscribers, p.RemoteInterests)
	}
	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := client.AdminGetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Node %s\n\n", s.NodeID)
	fmt.Fprintf(out, "Clients: %d\n", s.Clients)
	fmt.Fprintf(out, "Cluster Members: %d\n", s.ClusterMembers)
	fmt.Fprintf(out, "Retained Topics: %d\n", s.Retained)

	fmt.Fprintf(out, "\nTopic Tree:\n")
	fmt.Fprintf(out, "  Nodes: %d  Subscriptions: %d  Remote Interests: %d  Pending Prune: %d\n",
		s.Tree.Nodes, s.Tree.Subscriptions, s.Tree.RemoteInterests, s.Tree.PendingPrune)

	fmt.Fprintf(out, "\nResolver Cache:\n")
	fmt.Fprintf(out, "  Resolves: %d  Hits: %d  Misses: %d  Invalidations: %d  Evictions: %d\n",
		s.Resolver.Resolves, s.Resolver.Hits, s.Resolver.Misses, s.Resolver.Invalidations, s.Resolver.Evictions)

	fmt.Fprintf(out, "\nPublishing:\n")
	fmt.Fprintf(out, "  Publishes: %d  Failures: %d  No Destinations: %d\n",
		s.Publish.Publishes, s.Publish.Failures, s.Publish.NoDestinations)
	fmt.Fprintf(out, "  Delivered: %d  Skipped: %d  Rejected: %d\n",
		s.Publish.Delivered, s.Publish.Skipped, s.Publish.Rejected)
	fmt.Fprintf(out, "  Retained Updates: %d  Superseded: %d\n",
		s.Publish.RetainedUpdates, s.Publish.RetainedSuperseded)
	fmt.Fprintf(out, "  Forwarded In: %d  Out: %d\n", s.Publish.ForwardedIn, s.Publish.ForwardedOut)

	fmt.Fprintf(out, "\nStore:\n")
	fmt.Fprintf(out, "  Used: %d bytes  Reserved: %d bytes  Records: %d  Commits: %d  Rollbacks: %d\n",
		s.Store.UsedBytes, s.Store.ReservedBytes, s.Store.Records, s.Store.Commits, s.Store.Rollbacks)

	for _, rs := range s.ResourceSets {
		fmt.Fprintf(out, "\nResource Set %q:\n", rs.Name)
		names := make([]string, 0, len(rs.QoS))
		for name := range rs.QoS {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c := rs.QoS[name]
			fmt.Fprintf(out, "  %-14s messages=%d bytes=%d maxRecipients=%d\n", name, c.Messages, c.Bytes, c.MaxRecipients)
		}
	}

	return nil
}
