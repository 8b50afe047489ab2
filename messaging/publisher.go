package messaging

import (
	"context"

	"github.com/glimte/mmate-correlation/contracts"
)

// Publish broadcasts body to topic tagged with correlationID.
//
// An empty correlationID fails with a *ValidationError before the bus is
// called. Otherwise the result of the bus's Publish is returned as is.
func Publish[T any](ctx context.Context, bus Bus, topic, correlationID string, body T) error {
	if err := validateOutbound("publish", bus, correlationID); err != nil {
		return err
	}

	return bus.Publish(ctx, topic, contracts.NewCorrelationEnvelope(correlationID, body))
}

// Send delivers body to the named queue tagged with correlationID.
//
// Validation and error semantics are the same as for Publish.
func Send[T any](ctx context.Context, bus Bus, queue, correlationID string, body T) error {
	if err := validateOutbound("send", bus, correlationID); err != nil {
		return err
	}

	return bus.Send(ctx, queue, contracts.NewCorrelationEnvelope(correlationID, body))
}

func validateOutbound(op string, bus Bus, correlationID string) error {
	if err := validateCorrelationID(op, correlationID); err != nil {
		return err
	}
	if bus == nil {
		return &ValidationError{Op: op, Field: "bus", Err: ErrNilBus}
	}
	return nil
}
