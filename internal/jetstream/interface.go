package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface defines the interface for the NATS client
// This allows for easy mocking in tests
type ClientInterface interface {
	// SetupStream ensures the stream exists with the given configuration
	SetupStream(ctx context.Context, streamConfig *nats.StreamConfig) error

	// Publish publishes a message to a JetStream subject with optional headers
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error

	// Request sends a core NATS request and waits for the reply until ctx is done
	Request(ctx context.Context, subject string, data []byte, headers map[string]string) ([]byte, error)

	// Subscribe creates a core NATS subscription (no durable consumer)
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)

	// Close drains and closes the NATS connection
	Close()

	// NatsConn returns the underlying *nats.Conn
	NatsConn() *nats.Conn
}
