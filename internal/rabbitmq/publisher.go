package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the publish timeout applied when the caller's
// context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets how many times a failed publish is retried. The
// default is 0: failures are returned to the caller as they happen.
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithRetryDelay sets the base delay between publish retries
func WithRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     0,
		retryDelay:     time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for the broker to confirm it
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			p.logger.WarnContext(ctx, "retrying publish",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt,
				"error", lastErr,
			)
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return p.publishError(exchange, routingKey, ctx.Err())
			}
		}

		err := p.publishWithConfirm(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	if p.maxRetries > 0 {
		return p.publishError(exchange, routingKey, fmt.Errorf("failed after %d attempts: %w", p.maxRetries+1, lastErr))
	}
	return p.publishError(exchange, routingKey, lastErr)
}

func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	if err := ch.EnableConfirms(); err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to enable confirms: %w", err)
	}

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		p.pool.Discard(ch)
		return err
	}

	// The channel goes back once the publish is on the wire; confirmations are
	// tracked by delivery tag so other publishers can share it meanwhile.
	p.pool.Put(ch)

	if confirmation == nil {
		return nil
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case <-confirmation.Done():
		if !confirmation.Acked() {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: timeout after %s", ErrPublishNotConfirmed, p.confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
