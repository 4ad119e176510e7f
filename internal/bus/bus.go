// Package bus fans envelopes out to every subscriber of a topic, within one
// process or across processes through Redis, RabbitMQ or NATS.
//
// Messages from one publisher reach each subscriber in publish order. There
// is no ordering across publishers and no replay for late subscribers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus closed")
	// ErrSlowConsumer ends an in-process subscription whose buffer overflowed.
	ErrSlowConsumer = errors.New("subscriber too slow")
)

// Message is one published payload. Sender identifies the publishing
// session and is empty for server-originated envelopes.
type Message struct {
	Sender string
	Body   []byte
}

// Bus is the broadcast abstraction shared by sessions and the HTTP layer.
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is a live binding of one consumer to a topic.
type Subscription interface {
	// Messages is closed when the subscription ends; it is never reopened.
	Messages() <-chan Message
	// Err reports why Messages was closed; nil after a normal Close.
	Err() error
	// Close releases the backend resources. It is safe to call twice.
	Close() error
}

// Open connects to the backend named by the URL scheme.
func Open(ctx context.Context, url string, logger *slog.Logger) (Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	switch {
	case strings.HasPrefix(url, "memory:"):
		return NewMemory(DefaultBuffer), nil
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return OpenRedis(ctx, url, logger)
	case strings.HasPrefix(url, "amqp://"), strings.HasPrefix(url, "amqps://"):
		return OpenAMQP(url, logger)
	case strings.HasPrefix(url, "nats://"), strings.HasPrefix(url, "tls://"):
		return OpenNATS(url, logger)
	default:
		return nil, fmt.Errorf("bus: unsupported url %q", url)
	}
}

// frame is the encoding of a Message on external backends.
type frame struct {
	Sender string          `json:"sender,omitempty"`
	Body   json.RawMessage `json:"body"`
}

func encodeFrame(msg Message) ([]byte, error) {
	b, err := json.Marshal(frame{Sender: msg.Sender, Body: msg.Body})
	if err != nil {
		return nil, fmt.Errorf("bus: encode: %w", err)
	}
	return b, nil
}

func decodeFrame(b []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Message{}, fmt.Errorf("bus: decode: %w", err)
	}
	return Message{Sender: f.Sender, Body: []byte(f.Body)}, nil
}
