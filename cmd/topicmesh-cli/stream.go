package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/httpclient"
)

func newStreamCommand() *cobra.Command {
	var (
		subscription string
		bufferSize   int
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream messages from a subscription in real-time",
		Long: `Stream messages from a subscription in real-time using Server-Sent Events.
Create the subscription first with 'subscribe'. Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStream(cmd, subscription, bufferSize, prettyFormat)
		},
	}

	cmd.Flags().StringVar(&subscription, "subscription", "", "Subscription name to stream (required)")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Message buffer size")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")
	if err := cmd.MarkFlagRequired("subscription"); err != nil {
		panic(fmt.Sprintf("Failed to mark subscription as required: %v", err))
	}

	return cmd
}

func runStream(cmd *cobra.Command, subscription string, bufferSize int, prettyFormat bool) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	// Handle Ctrl+C gracefully
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	streamClient, err := client.Stream(ctx, httpclient.StreamConfig{
		Subscription: subscription,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer streamClient.Close()

	fmt.Fprintf(out, "Streaming subscription '%s' from %s...\n", subscription, serverURL)
	fmt.Fprintln(out, "Press Ctrl+C to stop streaming")

	count := 0
	errs := streamClient.Errors()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\nStream stopped. Received %d messages.\n", count)
			return nil

		case m, ok := <-streamClient.Events():
			if !ok {
				fmt.Fprintf(out, "\nStream closed. Received %d messages.\n", count)
				return nil
			}
			count++
			printMessage(out, m, count, prettyFormat)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Errors are non-fatal; the stream reconnects
			fmt.Fprintf(cmd.ErrOrStderr(), "Stream error: %v\n", err)
		}
	}
}

func printMessage(w io.Writer, m httpclient.Message, n int, pretty bool) {
	fmt.Fprintf(w, "Message #%d:\n", n)
	fmt.Fprintf(w, "   ID: %s\n", m.ID)
	fmt.Fprintf(w, "   Topic: %s\n", m.Topic)
	fmt.Fprintf(w, "   QoS: %s\n", m.QoS)
	if m.Retained {
		fmt.Fprintf(w, "   Retained: yes\n")
	}
	if m.OriginServer != "" {
		fmt.Fprintf(w, "   Origin: %s\n", m.OriginServer)
	}
	fmt.Fprintf(w, "   Time: %s\n", m.Timestamp.Format("2006-01-02 15:04:05.000"))
	if len(m.Properties) > 0 {
		props, _ := json.Marshal(m.Properties)
		fmt.Fprintf(w, "   Properties: %s\n", props)
	}

	switch {
	case len(m.Payload) == 0:
		fmt.Fprintf(w, "   Payload: null\n")
	case pretty:
		var buf bytes.Buffer
		if err := json.Indent(&buf, m.Payload, "            ", "  "); err != nil {
			fmt.Fprintf(w, "   Payload: %s\n", m.Payload)
		} else {
			fmt.Fprintf(w, "   Payload:\n            %s\n", buf.String())
		}
	default:
		fmt.Fprintf(w, "   Payload: %s\n", m.Payload)
	}
	fmt.Fprintln(w)
}
