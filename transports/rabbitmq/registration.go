package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mmate-correlation/internal/rabbitmq"
	"github.com/glimte/mmate-correlation/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// registration is the handle returned by Subscribe and Receive
type registration struct {
	transport *Transport
	sub       *rabbitmq.Subscription

	once sync.Once
	err  error
}

// Cancel stops the broker consumer and waits for its in-flight handler. It
// is safe to call more than once but must not be called from the
// registration's own handler.
func (r *registration) Cancel() error {
	r.once.Do(func() {
		err := r.transport.consumer.Unsubscribe(r.sub.ConsumerTag())
		if errors.Is(err, rabbitmq.ErrConsumerNotFound) {
			// The consumer already stopped because its context ended.
			<-r.sub.Done()
			err = nil
		}
		r.err = err

		r.transport.mu.Lock()
		delete(r.transport.registrations, r)
		r.transport.mu.Unlock()
	})
	return r.err
}

// delivery exposes an AMQP delivery to the messaging layer
type delivery struct {
	amqp.Delivery
}

// Decode unmarshals the JSON body into v
func (d delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("rabbitmq: failed to decode message %s: %w", d.MessageId, err)
	}
	return nil
}

func adaptHandler(handler messaging.DeliveryHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		return handler(ctx, delivery{Delivery: d})
	}
}
