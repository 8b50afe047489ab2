package messaging

import (
	"context"
)

// Bus is the message-bus capability the correlation functions are built on.
// Implementations own connection management, serialization, routing,
// acknowledgement and redelivery.
type Bus interface {
	// Publish broadcasts msg to every subscription of topic
	Publish(ctx context.Context, topic string, msg any) error

	// Send delivers msg to the single named queue
	Send(ctx context.Context, queue string, msg any) error

	// Subscribe joins the competing-consumer group identified by subscriptionID
	Subscribe(ctx context.Context, subscriptionID string, handler DeliveryHandler, config SubscriptionConfig) (Registration, error)

	// Receive binds handler exclusively to queue
	Receive(ctx context.Context, queue string, handler DeliveryHandler) (Registration, error)
}

// DeliveryHandler processes one delivered message. A non-nil error is a
// processing failure and is subject to the bus's own failure policy.
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// Delivery is a message handed over by the bus
type Delivery interface {
	// Decode deserializes the delivered message into v
	Decode(v any) error
}

// Registration is a cancellable subscription or receive binding
type Registration interface {
	// Cancel stops delivery to the handler. It returns once no handler
	// invocation for this registration is running.
	Cancel() error
}

// SubscriptionConfig is handed to the bus unchanged on Subscribe
type SubscriptionConfig struct {
	Topic         string
	PrefetchCount int
	Durable       bool
	AutoDelete    bool
	Arguments     map[string]interface{}
}

// DefaultSubscriptionConfig returns the configuration used when no option
// overrides it
func DefaultSubscriptionConfig() SubscriptionConfig {
	return SubscriptionConfig{
		PrefetchCount: 10,
		Durable:       true,
		AutoDelete:    false,
		Arguments:     make(map[string]interface{}),
	}
}
