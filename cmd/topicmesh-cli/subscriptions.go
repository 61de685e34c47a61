package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSubscriptionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Manage subscriptions",
		Long:  "List, delete, join and leave subscriptions",
	}

	cmd.AddCommand(newSubscriptionsListCommand())
	cmd.AddCommand(newSubscriptionsDeleteCommand())
	cmd.AddCommand(newSubscriptionsJoinCommand())
	cmd.AddCommand(newSubscriptionsLeaveCommand())

	return cmd
}

func newSubscriptionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all subscriptions for this client",
		RunE:  runSubscriptionsList,
	}
}

func newSubscriptionsDeleteCommand() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a subscription",
		Long:  "Delete a subscription by name, discarding its queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscriptionsDelete(cmd, name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Subscription name to delete (required)")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(fmt.Sprintf("Failed to mark name as required: %v", err))
	}

	return cmd
}

func newSubscriptionsJoinCommand() *cobra.Command {
	var owner, name, qos string

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join another client's shared subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.JoinShared(ctx, owner, name, qos); err != nil {
				return fmt.Errorf("failed to join subscription: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined %s/%s\n", owner, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Client that owns the shared subscription (required)")
	cmd.Flags().StringVar(&name, "name", "", "Shared subscription name (required)")
	cmd.Flags().StringVar(&qos, "qos", "", "Reliability for this member")
	cmd.MarkFlagsRequiredTogether("owner", "name")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(fmt.Sprintf("Failed to mark name as required: %v", err))
	}

	return cmd
}

func newSubscriptionsLeaveCommand() *cobra.Command {
	var owner, name string

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Leave a shared subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := client.LeaveShared(ctx, owner, name); err != nil {
				return fmt.Errorf("failed to leave subscription: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Left %s/%s\n", owner, name)
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Client that owns the shared subscription (required)")
	cmd.Flags().StringVar(&name, "name", "", "Shared subscription name (required)")
	cmd.MarkFlagsRequiredTogether("owner", "name")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(fmt.Sprintf("Failed to mark name as required: %v", err))
	}

	return cmd
}

func runSubscriptionsList(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Listing subscriptions for client '%s'...\n", client.ClientID())

	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	if len(subscriptions) == 0 {
		fmt.Fprintln(out, "No subscriptions found")
		return nil
	}

	fmt.Fprintf(out, "\nFound %d subscription(s):\n\n", len(subscriptions))
	for i, sub := range subscriptions {
		fmt.Fprintf(out, "%d.\n", i+1)
		printSubscription(out, sub, "   ")
		if i < len(subscriptions)-1 {
			fmt.Fprintln(out)
		}
	}

	return nil
}

func runSubscriptionsDelete(cmd *cobra.Command, name string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Deleting subscription '%s'...\n", name)

	if err := client.DeleteSubscription(ctx, name); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Subscription deleted\n")
	return nil
}
