package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicmesh-go/pkg/httpclient"
)

func newPublishCommand() *cobra.Command {
	var (
		req     httpclient.PublishRequest
		payload string
		props   []string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to a topic",
		Long: `Publish a message to a topic. The payload is sent as JSON when it parses
as JSON and as a string otherwise. Properties are key=value pairs; values
that parse as JSON keep their type so selectors can compare them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, req, payload, props)
		},
	}

	cmd.Flags().StringVar(&req.Topic, "topic", "", "Topic to publish to (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "Message payload (JSON or text)")
	cmd.Flags().StringArrayVar(&props, "prop", nil, "Message property as key=value (repeatable)")
	cmd.Flags().StringVar(&req.QoS, "qos", "", "Reliability: at-most-once, at-least-once or exactly-once")
	cmd.Flags().BoolVar(&req.Persistent, "persistent", false, "Write the message to the persistent store")
	cmd.Flags().BoolVar(&req.Retain, "retain", false, "Keep the message as the topic's retained message")
	cmd.Flags().StringVar(&req.TTL, "ttl", "", "Message time to live, e.g. 30s")
	cmd.Flags().BoolVar(&req.InformationalCodes, "codes", false, "Report informational codes such as NoMatchingDestinations")
	cmd.Flags().BoolVar(&req.FailOnRejection, "fail-on-reject", false, "Fail when any subscriber rejects the message")
	cmd.Flags().BoolVar(&req.OnlyUpdateRetained, "only-retained", false, "Update the retained message without delivering")
	if err := cmd.MarkFlagRequired("topic"); err != nil {
		panic(fmt.Sprintf("Failed to mark topic as required: %v", err))
	}

	return cmd
}

func runPublish(cmd *cobra.Command, req httpclient.PublishRequest, payload string, props []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	if payload != "" {
		req.Payload = jsonValue(payload)
	}
	if len(props) > 0 {
		req.Properties = make(map[string]any, len(props))
		for _, p := range props {
			key, value, ok := strings.Cut(p, "=")
			if !ok || key == "" {
				return fmt.Errorf("invalid property %q: expected key=value", p)
			}
			var v any
			if err := json.Unmarshal([]byte(value), &v); err != nil {
				v = value
			}
			req.Properties[key] = v
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Publishing message to topic '%s'...\n", req.Topic)

	resp, err := client.Publish(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	fmt.Fprintf(out, "Message published\n")
	fmt.Fprintf(out, "Message ID: %s\n", resp.MessageID)
	fmt.Fprintf(out, "Code: %s\n", resp.Code)
	fmt.Fprintf(out, "Delivered: %d  Skipped: %d  Rejected: %d  Remote nodes: %d\n",
		resp.Delivered, resp.Skipped, resp.Rejected, resp.Remotes)
	if resp.RetainedUpdated {
		fmt.Fprintf(out, "Retained message updated\n")
	}
	fmt.Fprintf(out, "Timestamp: %s\n", resp.Timestamp.Format("2006-01-02 15:04:05"))

	return nil
}

// jsonValue returns s as raw JSON, quoting it when it is not valid JSON.
func jsonValue(s string) json.RawMessage {
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return quoted
}
