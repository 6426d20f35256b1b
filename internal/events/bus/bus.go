// Package bus provides event bus abstractions for Ensemble.
package bus

import (
	"context"

	"github.com/ensemble-ai/ensemble/pkg/protocol"
)

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *protocol.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Delivery to each subscriber
	// preserves publish order from a single producer.
	Publish(ctx context.Context, subject string, event *protocol.Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * (single token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
