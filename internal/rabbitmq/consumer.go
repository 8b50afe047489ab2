package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	pool             *ChannelPool
	prefetchCount    int
	autoAck          bool
	requeueOnFailure bool
	handlerTimeout   time.Duration
	resubscribeDelay time.Duration
	logger           *slog.Logger

	mu     sync.Mutex
	active map[string]*Subscription
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the default prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithRequeueOnFailure requeues failed deliveries instead of rejecting them
// to the queue's dead-letter exchange
func WithRequeueOnFailure(requeue bool) ConsumerOption {
	return func(c *Consumer) {
		c.requeueOnFailure = requeue
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means no bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithResubscribeDelay sets the pause between attempts to re-attach a
// consumer whose channel was closed
func WithResubscribeDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:             pool,
		prefetchCount:    10,
		autoAck:          false,
		requeueOnFailure: false,
		resubscribeDelay: time.Second,
		logger:           slog.Default(),
		active:           make(map[string]*Subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// SubscribeOptions tunes a single subscription
type SubscribeOptions struct {
	// ConsumerTag identifies the consumer on the broker. Generated when empty.
	ConsumerTag string
	// Exclusive asks the broker to refuse other consumers on the queue
	Exclusive bool
	// PrefetchCount overrides the consumer default when positive
	PrefetchCount int
	// Declare runs before every attach, including re-attaches after a
	// reconnect, so auto-deleted topology is recreated
	Declare func(ctx context.Context) error
}

// Subscription is one running broker consumer
type Subscription struct {
	queue         string
	consumerTag   string
	exclusive     bool
	prefetchCount int
	declare       func(ctx context.Context) error
	cancel        context.CancelFunc
	done          chan struct{}
}

// Queue returns the consumed queue
func (s *Subscription) Queue() string { return s.queue }

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string { return s.consumerTag }

// Done is closed once the consumer stopped and no handler is running
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe starts consuming messages from a queue. Several subscriptions may
// consume the same queue; each is addressed by its consumer tag.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, opts SubscribeOptions) (*Subscription, error) {
	tag := opts.ConsumerTag
	if tag == "" {
		tag = "mmate-" + uuid.NewString()
	}
	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = c.prefetchCount
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		queue:         queue,
		consumerTag:   tag,
		exclusive:     opts.Exclusive,
		prefetchCount: prefetch,
		declare:       opts.Declare,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	c.mu.Lock()
	if _, exists := c.active[tag]; exists {
		c.mu.Unlock()
		cancel()
		return nil, c.consumerError(sub, "subscribe", fmt.Errorf("%w: consumer tag already in use", ErrInvalidConfiguration))
	}
	c.active[tag] = sub
	c.mu.Unlock()

	ch, deliveries, err := c.open(consumerCtx, sub)
	if err != nil {
		cancel()
		c.remove(sub)
		return nil, err
	}

	go c.run(consumerCtx, sub, ch, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", prefetch,
		"exclusive", opts.Exclusive,
	)

	return sub, nil
}

// Unsubscribe stops the consumer with the given tag and waits until its
// in-flight handler returned
func (c *Consumer) Unsubscribe(consumerTag string) error {
	c.mu.Lock()
	sub, ok := c.active[consumerTag]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, consumerTag)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() error {
	var g errgroup.Group
	for _, tag := range c.ActiveConsumers() {
		g.Go(func() error {
			if err := c.Unsubscribe(tag); err != nil {
				c.logger.Warn("failed to unsubscribe", "consumerTag", tag, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ActiveConsumers returns the tags of running consumers
func (c *Consumer) ActiveConsumers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	tags := make([]string, 0, len(c.active))
	for tag := range c.active {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// open takes a channel from the pool and starts the broker consumer on it
func (c *Consumer) open(ctx context.Context, sub *Subscription) (*PooledChannel, <-chan amqp.Delivery, error) {
	if sub.declare != nil {
		if err := sub.declare(ctx); err != nil {
			return nil, nil, c.consumerError(sub, "declare", err)
		}
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return nil, nil, c.consumerError(sub, "subscribe", err)
	}

	if err := ch.Qos(sub.prefetchCount, 0, false); err != nil {
		c.pool.Discard(ch)
		return nil, nil, c.consumerError(sub, "qos", err)
	}

	deliveries, err := ch.Consume(
		sub.queue,
		sub.consumerTag,
		c.autoAck,
		sub.exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Discard(ch)
		return nil, nil, c.consumerError(sub, "consume", err)
	}

	return ch, deliveries, nil
}

// run drains deliveries and re-attaches the consumer when its channel closes
// underneath it, until ctx is cancelled
func (c *Consumer) run(ctx context.Context, sub *Subscription, ch *PooledChannel, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.remove(sub)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue, "consumerTag", sub.consumerTag)
	}()

	for {
		c.drain(ctx, sub, deliveries, handler)
		c.release(sub, ch)

		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("delivery channel closed, resubscribing",
			"queue", sub.queue,
			"consumerTag", sub.consumerTag,
		)

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.resubscribeDelay):
			}

			var err error
			ch, deliveries, err = c.open(ctx, sub)
			if err == nil {
				c.logger.Info("consumer re-attached", "queue", sub.queue, "consumerTag", sub.consumerTag)
				break
			}
			c.logger.Error("failed to re-attach consumer", "queue", sub.queue, "error", err)
		}
	}
}

func (c *Consumer) drain(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			_ = c.handleMessage(ctx, sub, delivery, handler)
		}
	}
}

// release cancels the broker consumer and closes its channel. Unacked
// prefetched messages return to the queue when the channel closes.
func (c *Consumer) release(sub *Subscription, ch *PooledChannel) {
	if !ch.Channel.IsClosed() {
		if err := ch.Cancel(sub.consumerTag, false); err != nil {
			c.logger.Debug("failed to cancel consumer", "consumerTag", sub.consumerTag, "error", err)
		}
	}
	c.pool.Discard(ch)
}

// handleMessage runs handler for one delivery and settles it: ack on nil,
// nack on error or panic
func (c *Consumer) handleMessage(ctx context.Context, sub *Subscription, delivery amqp.Delivery, handler MessageHandler) error {
	msgCtx := ctx
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(ctx, c.handlerTimeout)
		defer cancel()
	}

	err := invokeHandler(msgCtx, delivery, handler)
	if err != nil {
		c.logger.Error("failed to handle message",
			"error", err,
			"queue", sub.queue,
			"consumerTag", sub.consumerTag,
			"messageId", delivery.MessageId,
			"correlationId", delivery.CorrelationId,
			"redelivered", delivery.Redelivered,
		)
	}

	if c.autoAck {
		return err
	}

	if err != nil {
		if nackErr := delivery.Nack(false, c.requeueOnFailure); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}

func invokeHandler(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
	}()
	return handler(ctx, delivery)
}

func (c *Consumer) remove(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[sub.consumerTag] == sub {
		delete(c.active, sub.consumerTag)
	}
}

func (c *Consumer) consumerError(sub *Subscription, op string, err error) error {
	return &ConsumerError{
		Queue:       sub.queue,
		ConsumerTag: sub.consumerTag,
		Op:          op,
		Err:         err,
		Timestamp:   time.Now(),
	}
}
