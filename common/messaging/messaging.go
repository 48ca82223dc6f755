// Package messaging defines the broker abstraction courier publishes
// delivered payloads through, independent of the broker implementation.
package messaging

import "context"

// Message is an outbound broker message.
type Message struct {
	// Subject is the topic the message is published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata is sent as message headers.
	Metadata map[string]string
}

// Publisher publishes messages and waits for the broker to persist them.
type Publisher interface {
	// PublishMsg returns once the broker acknowledged msg.
	PublishMsg(ctx context.Context, msg *Message) error

	// Close releases any resources held by the publisher.
	Close() error
}
