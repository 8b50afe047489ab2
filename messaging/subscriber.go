package messaging

import (
	"context"

	"github.com/glimte/mmate-correlation/contracts"
)

// BodyHandler handles the unwrapped body of a correlated message. The context
// carries the open correlation scope.
type BodyHandler[T any] func(ctx context.Context, body T) error

// Subscribe registers onBody as a competing consumer of the subscription
// group subscriptionID.
//
// For every delivery onCorrelationID is called first, then onBody runs inside
// a correlation scope. The handler's error is returned to the bus unchanged.
// When no topic option is given the subscription binds to TopicOf[T]().
func Subscribe[T any](ctx context.Context, bus Bus, subscriptionID string, onBody BodyHandler[T], onCorrelationID func(string), opts ...Option) (Registration, error) {
	if err := validateInbound("subscribe", bus, onBody); err != nil {
		return nil, err
	}

	o := newOptions(opts...)
	config := o.subscription
	if config.Topic == "" {
		config.Topic = TopicOf[T]()
	}

	return bus.Subscribe(ctx, subscriptionID, newDeliveryHandler(o, onBody, onCorrelationID), config)
}

// Receive binds onBody exclusively to queue. Per-message behavior is the same
// as for Subscribe.
func Receive[T any](ctx context.Context, bus Bus, queue string, onBody BodyHandler[T], onCorrelationID func(string), opts ...Option) (Registration, error) {
	if err := validateInbound("receive", bus, onBody); err != nil {
		return nil, err
	}

	o := newOptions(opts...)

	return bus.Receive(ctx, queue, newDeliveryHandler(o, onBody, onCorrelationID))
}

func validateInbound[T any](op string, bus Bus, onBody BodyHandler[T]) error {
	if bus == nil {
		return &ValidationError{Op: op, Field: "bus", Err: ErrNilBus}
	}
	if onBody == nil {
		return &ValidationError{Op: op, Field: "onBody", Err: ErrNilHandler}
	}
	return nil
}

func newDeliveryHandler[T any](o options, onBody BodyHandler[T], onCorrelationID func(string)) DeliveryHandler {
	return func(ctx context.Context, delivery Delivery) error {
		var envelope contracts.CorrelationEnvelope[T]
		if err := delivery.Decode(&envelope); err != nil {
			o.logger.ErrorContext(ctx, "failed to decode correlation envelope", "error", err)
			return err
		}

		correlationID, body := envelope.Unwrap()

		if onCorrelationID != nil {
			onCorrelationID(correlationID)
		}

		return o.binder.Run(ctx, correlationID, func(scopeCtx context.Context) error {
			o.logger.DebugContext(scopeCtx, "handling correlated message")

			if err := onBody(scopeCtx, body); err != nil {
				o.logger.ErrorContext(scopeCtx, "correlated message handler failed", "error", err)
				return err
			}

			o.logger.DebugContext(scopeCtx, "correlated message handled")
			return nil
		})
	}
}
