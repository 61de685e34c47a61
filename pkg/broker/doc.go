// Package broker provides the public contract of a TopicMesh node.
//
// This package defines the core abstractions for the broker:
//   - Broker: the node facade that clients publish and subscribe through
//   - SubscribeRequest and SubscriptionInfo: subscription registration and listing
//   - PublishRequest and PublishResult: one publish and its outcome
//   - Stats and HealthStatus: administrative views of the node
//
// A node matches every published topic against the registered patterns in
// its topic tree, filters each candidate subscription (no-local,
// reliability class, cluster sharing, message selector) and enqueues the
// message for the ones that pass. Subscriptions that are neither shared nor
// transactional are shared with the cluster: other members forward matching
// messages to this node.
//
// Example usage:
//
//	b, err := broker.New(broker.NewConfig("node-1"))
//	if err != nil {
//		return err
//	}
//	if err := b.Start(ctx); err != nil {
//		return err
//	}
//	defer b.Close()
//
//	if err := b.Connect(ctx, "client-1", "tenant-a"); err != nil {
//		return err
//	}
//	_, err = b.Subscribe(ctx, broker.SubscribeRequest{
//		ClientID: "client-1",
//		Pattern:  "orders/+/created",
//		Selector: `.Colour == "BLUE"`,
//	})
//
//	msg := message.NewWithProperties("orders/eu/created", payload, map[string]any{"Colour": "BLUE"})
//	res, err := b.Publish(ctx, broker.PublishRequest{ClientID: "client-2", Message: msg})
//
//	got, err := b.Receive(ctx, "client-1", "orders/+/created")
//	defer got.Release()
package broker
