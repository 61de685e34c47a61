// Package message defines the message published through TopicMesh.
//
// A Message carries its topic, payload and string-keyed properties together
// with the publisher's reliability and persistence choices. The usage count
// tracks how many holders (the publisher plus every queue it was delivered
// to) still reference the message:
//
//	msg := message.NewWithProperties("orders/eu/created", payload, map[string]any{
//		"Colour": "BLUE",
//	})
//	msg.Reliability = message.AtLeastOnce
//	defer msg.Release()
package message
