package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReceiveCommand() *cobra.Command {
	var (
		subscription string
		wait         time.Duration
		maxMessages  int
		pretty       bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive queued messages from a subscription",
		Long: `Receive messages queued on a subscription. The server waits up to --wait
for the first message, then returns whatever else is already queued, up to
--max messages.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout+wait)
			defer cancel()

			msgs, err := client.Receive(ctx, subscription, wait, maxMessages)
			if err != nil {
				return fmt.Errorf("failed to receive messages: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages")
				return nil
			}
			for i, m := range msgs {
				printMessage(out, m, i+1, pretty)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription name (required)")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for the first message")
	cmd.Flags().IntVar(&maxMessages, "max", 10, "Maximum number of messages to receive")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print JSON payloads")
	if err := cmd.MarkFlagRequired("subscription"); err != nil {
		panic(fmt.Sprintf("Failed to mark subscription as required: %v", err))
	}

	return cmd
}
