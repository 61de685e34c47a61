package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/topicmesh-go/pkg/httpclient"
)

func newSubscribeCommand() *cobra.Command {
	var req httpclient.SubscriptionRequest

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Create a subscription to a topic pattern",
		Long: `Create a subscription to a topic pattern. Patterns use "/" separated
segments with "+" matching one segment and "#" matching any remainder.
Matching messages queue on the subscription; use 'receive' or 'stream' to
read them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubscribe(cmd, req)
		},
	}

	cmd.Flags().StringVar(&req.Pattern, "pattern", "", "Topic pattern to subscribe to (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "Subscription name (defaults to the pattern)")
	cmd.Flags().StringVar(&req.QoS, "qos", "", "Reliability: at-most-once, at-least-once or exactly-once")
	cmd.Flags().StringSliceVar(&req.Options, "option", nil, "Subscription options, e.g. no-local,durable,shared")
	cmd.Flags().StringVar(&req.Selector, "selector", "", "jq expression over the message properties")
	cmd.Flags().IntVar(&req.MaxMessages, "max-messages", 0, "Queue bound for this subscription (0 uses the server default)")
	if err := cmd.MarkFlagRequired("pattern"); err != nil {
		panic(fmt.Sprintf("Failed to mark pattern as required: %v", err))
	}

	return cmd
}

func runSubscribe(cmd *cobra.Command, req httpclient.SubscriptionRequest) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Creating subscription to pattern '%s'...\n", req.Pattern)

	info, err := client.CreateSubscription(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	fmt.Fprintf(out, "Subscription created\n")
	printSubscription(out, *info, "")
	if info.Retained > 0 {
		fmt.Fprintf(out, "Retained messages queued: %d\n", info.Retained)
	}

	return nil
}

// printSubscription writes one subscription, each line prefixed by indent.
func printSubscription(w io.Writer, sub broker.SubscriptionInfo, indent string) {
	fmt.Fprintf(w, "%sName: %s\n", indent, sub.Name)
	fmt.Fprintf(w, "%sPattern: %s\n", indent, sub.Pattern)
	fmt.Fprintf(w, "%sClient ID: %s\n", indent, sub.ClientID)
	fmt.Fprintf(w, "%sQoS: %s\n", indent, sub.QoS)
	if len(sub.Options) > 0 {
		fmt.Fprintf(w, "%sOptions: %s\n", indent, strings.Join(sub.Options, ","))
	}
	if sub.Selector != "" {
		fmt.Fprintf(w, "%sSelector: %s\n", indent, sub.Selector)
	}
	if len(sub.Members) > 0 {
		fmt.Fprintf(w, "%sMembers: %s\n", indent, strings.Join(sub.Members, ","))
	}
	fmt.Fprintf(w, "%sQueued: %d\n", indent, sub.Depth)
	fmt.Fprintf(w, "%sCreated At: %s\n", indent, sub.CreatedAt.Format("2006-01-02 15:04:05"))
}
