package mq

import (
	"context"
	"time"
)

// Producer publishes messages to a topic. The judge pipeline only ever
// produces to Kafka (terminal status announcements); consumption happens
// downstream in services that are not part of this repository.
type Producer interface {
	// Publish publishes a single message to the given topic.
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch publishes multiple messages in one write.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// Ping verifies the broker connection is alive.
	Ping(ctx context.Context) error

	// Close flushes and closes the producer.
	Close() error
}

// Message is a broker-agnostic message envelope.
type Message struct {
	// ID is the unique identifier for the message, also used as the
	// partition key so events for one submission stay ordered.
	ID string `json:"id"`

	// Body is the message payload.
	Body []byte `json:"body"`

	// Headers contains metadata about the message.
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// GetHeader retrieves a header value.
func (m *Message) GetHeader(key string) (string, bool) {
	if m.Headers == nil {
		return "", false
	}
	val, ok := m.Headers[key]
	return val, ok
}
