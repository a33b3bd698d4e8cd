// Package bus provides the event bus used to fan out chat events between
// service instances. Events are published to a topic under an ordering key;
// events sharing a key are delivered to handlers in publish order.
package bus

import (
	"context"
)

// Topics carried on the bus.
const (
	// TopicChatMessages carries new messages, keyed by chat id.
	TopicChatMessages = "chat.messages"
	// TopicMessageStatus carries delivery status updates, keyed by message id.
	TopicMessageStatus = "chat.message.status"
)

// Handler consumes a raw event payload for a topic. The key is the ordering
// key the event was published under. Handlers for the same topic run
// sequentially, so per-key order is preserved.
type Handler func(ctx context.Context, key string, payload []byte)

// Bus publishes and subscribes to topic events.
type Bus interface {
	// Publish marshals payload as JSON and emits it on topic under key.
	// Returns a shutting-down error after Stop, or a transient error when
	// the broker stays unreachable across retries.
	Publish(ctx context.Context, topic, key string, payload any) error

	// Subscribe registers a handler for a topic. Subscribing after Start
	// attaches a consumer for the topic; after Stop it reports shutting down.
	Subscribe(topic string, handler Handler) error

	// Start begins consuming subscribed topics until ctx is cancelled or
	// Stop is called.
	Start(ctx context.Context) error

	// Stop rejects further publishes and waits for in-flight handlers.
	Stop()
}
