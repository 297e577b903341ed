// Package messaging provides a broker-agnostic publish abstraction.
//
// The service emits domain events (such as issued passcodes handed off to the
// delivery pipeline) without binding callers to a concrete broker. Kafka,
// NATS, and NSQ backends are available behind the same Publisher contract.
package messaging

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrUnsupported is returned when the selected broker cannot honor a publish
// option, for example delayed delivery on brokers without native support.
var ErrUnsupported = errors.New("messaging: unsupported operation")

// Publisher publishes messages to a destination (topic/subject/queue).
type Publisher interface {
	io.Closer

	// Publish sends a message to the destination.
	Publish(ctx context.Context, destination string, msg OutgoingMessage) (PublishResult, error)
}

// OutgoingMessage represents a broker-agnostic message to be published.
type OutgoingMessage struct {
	// Body is the message payload.
	Body []byte

	// Key is used by Kafka for partitioning.
	Key []byte

	// Headers carry propagation metadata such as the correlation ID.
	Headers []Header

	// Delay requests deferred delivery where the broker supports it.
	Delay time.Duration
}

// Header is a key/value pair attached to a published message.
type Header struct {
	// Key is the header name.
	Key string
	// Value is the header value.
	Value []byte
}

// PublishResult carries optional broker-specific publish metadata.
type PublishResult struct {
	// MessageID is the broker-assigned message ID, when exposed.
	MessageID string

	// Topic is the destination the message was published to.
	Topic string

	// Timestamp is when the message was handed to the broker.
	Timestamp time.Time
}
