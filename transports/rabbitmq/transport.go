// Package rabbitmq implements messaging.Bus on RabbitMQ.
//
// Topology follows the convention of other correlation-aware clients so
// services written against either can share a broker:
//
//   - Publish declares a durable fanout exchange named after the topic and
//     publishes with an empty routing key.
//   - Subscribe consumes queue "<topic>_<subscriptionID>" bound to that
//     exchange. Subscriptions sharing an ID compete for messages.
//   - Send publishes through the default exchange to a durable queue named
//     after the destination. Receive consumes that queue exclusively.
//
// Bodies are JSON. The correlation id of outgoing envelopes is also copied
// into the AMQP correlation_id property for broker-side tooling.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-correlation/contracts"
	"github.com/glimte/mmate-correlation/health"
	"github.com/glimte/mmate-correlation/internal/rabbitmq"
	"github.com/glimte/mmate-correlation/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrTransportClosed is returned for operations on a closed transport
	ErrTransportClosed = errors.New("rabbitmq: transport is closed")

	// ErrTopicRequired is returned when a subscription has no topic
	ErrTopicRequired = errors.New("rabbitmq: subscription topic cannot be empty")
)

// queueBacklogThreshold is the message count above which a queue is reported
// degraded
const queueBacklogThreshold = 10000

var _ messaging.Bus = (*Transport)(nil)

// Transport implements messaging.Bus for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	logger    *slog.Logger

	deadLetterExchange string
	enableFIFO         bool
	persistent         bool

	// sendQueues caches point-to-point queues declared by Send
	sendQueues sync.Map

	mu            sync.Mutex
	closed        bool
	registrations map[*registration]struct{}
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *slog.Logger
	DeadLetterExchange string
	EnableFIFO         bool
	Persistent         bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger used by the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithDeadLetterExchange routes rejected deliveries of every consumed queue
// to "<queue>.dlq" through the named exchange
func WithDeadLetterExchange(name string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DeadLetterExchange = name
	}
}

// WithFIFOMode declares queues with a single active consumer for strict
// ordering
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithPersistentMessages controls the delivery mode of published messages
func WithPersistentMessages(persistent bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Persistent = persistent
	}
}

// NewTransport connects to RabbitMQ and returns a ready transport
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger:     slog.Default(),
		Persistent: true,
	}

	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(logger)}, cfg.ChannelPoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)

	t := &Transport{
		manager:            manager,
		pool:               pool,
		publisher:          rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:           rabbitmq.NewConsumer(pool, consOpts...),
		topology:           rabbitmq.NewTopologyManager(pool),
		logger:             logger,
		deadLetterExchange: cfg.DeadLetterExchange,
		enableFIFO:         cfg.EnableFIFO,
		persistent:         cfg.Persistent,
		registrations:      make(map[*registration]struct{}),
	}

	manager.AddStateListener(&topologyResetter{reset: t.resetTopology, logger: logger})

	return t, nil
}

// Publish implements messaging.Bus
func (t *Transport) Publish(ctx context.Context, topic string, msg any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	publishing, err := t.newPublishing(msg)
	if err != nil {
		return err
	}

	if err := t.topology.EnsureExchange(ctx, topicExchange(topic)); err != nil {
		return err
	}

	return t.publisher.Publish(ctx, topic, "", publishing)
}

// Send implements messaging.Bus
func (t *Transport) Send(ctx context.Context, queue string, msg any) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	publishing, err := t.newPublishing(msg)
	if err != nil {
		return err
	}

	if _, declared := t.sendQueues.Load(queue); !declared {
		if err := t.declareQueue(ctx, t.pointToPointQueue(queue)); err != nil {
			return err
		}
		t.sendQueues.Store(queue, struct{}{})
	}

	return t.publisher.Publish(ctx, "", queue, publishing)
}

// Subscribe implements messaging.Bus
func (t *Transport) Subscribe(ctx context.Context, subscriptionID string, handler messaging.DeliveryHandler, config messaging.SubscriptionConfig) (messaging.Registration, error) {
	if config.Topic == "" {
		return nil, ErrTopicRequired
	}

	queue := SubscriptionQueueName(config.Topic, subscriptionID)
	declaration := rabbitmq.QueueDeclaration{
		Name:       queue,
		Durable:    config.Durable,
		AutoDelete: config.AutoDelete,
		Arguments:  t.queueArguments(queue, amqp.Table(config.Arguments)),
	}

	declare := func(ctx context.Context) error {
		if err := t.topology.EnsureExchange(ctx, topicExchange(config.Topic)); err != nil {
			return err
		}
		if err := t.declareQueue(ctx, declaration); err != nil {
			return err
		}
		return t.topology.BindQueue(ctx, rabbitmq.Binding{
			Queue:    queue,
			Exchange: config.Topic,
		})
	}

	return t.consume(ctx, queue, handler, rabbitmq.SubscribeOptions{
		PrefetchCount: config.PrefetchCount,
		Declare:       declare,
	})
}

// Receive implements messaging.Bus
func (t *Transport) Receive(ctx context.Context, queue string, handler messaging.DeliveryHandler) (messaging.Registration, error) {
	declaration := t.pointToPointQueue(queue)

	return t.consume(ctx, queue, handler, rabbitmq.SubscribeOptions{
		Exclusive: true,
		Declare: func(ctx context.Context) error {
			return t.declareQueue(ctx, declaration)
		},
	})
}

// QueueInfo returns the message and consumer counts of a queue
func (t *Transport) QueueInfo(ctx context.Context, queue string) (amqp.Queue, error) {
	if err := t.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	return t.topology.GetQueueInfo(ctx, queue)
}

// Health checks the connection, the channel pool and each of queues
func (t *Transport) Health(ctx context.Context, queues ...string) health.Report {
	checkers := []health.Checker{
		health.NewBrokerChecker(t.manager),
		health.NewChannelPoolChecker(t.pool),
	}
	for _, queue := range queues {
		checkers = append(checkers, health.NewQueueChecker(queue, t.inspectQueue, queueBacklogThreshold))
	}

	report := health.NewRegistry(checkers).Check(ctx)
	if report.Status != health.StatusHealthy {
		t.logger.Warn("rabbitmq transport not healthy", "status", report.Status)
	}
	return report
}

func (t *Transport) inspectQueue(ctx context.Context, queue string) (int, int, error) {
	info, err := t.QueueInfo(ctx, queue)
	if err != nil {
		return 0, 0, err
	}
	return info.Messages, info.Consumers, nil
}

// Close cancels every registration and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	regs := make([]*registration, 0, len(t.registrations))
	for reg := range t.registrations {
		regs = append(regs, reg)
	}
	t.mu.Unlock()

	var errs []error
	for _, reg := range regs {
		if err := reg.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	errs = append(errs, t.pool.Close(), t.manager.Close())

	t.logger.Info("rabbitmq transport closed", "registrations", len(regs))
	return errors.Join(errs...)
}

// SubscriptionQueueName returns the queue consumed by a topic subscription
func SubscriptionQueueName(topic, subscriptionID string) string {
	return topic + "_" + subscriptionID
}

func (t *Transport) consume(ctx context.Context, queue string, handler messaging.DeliveryHandler, opts rabbitmq.SubscribeOptions) (messaging.Registration, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	sub, err := t.consumer.Subscribe(ctx, queue, adaptHandler(handler), opts)
	if err != nil {
		return nil, err
	}

	reg := &registration{transport: t, sub: sub}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = reg.Cancel()
		return nil, ErrTransportClosed
	}
	t.registrations[reg] = struct{}{}
	t.mu.Unlock()

	return reg, nil
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	return nil
}

func (t *Transport) newPublishing(msg any) (amqp.Publishing, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("rabbitmq: failed to encode message: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Body:        body,
	}
	if t.persistent {
		publishing.DeliveryMode = amqp.Persistent
	}
	if c, ok := msg.(contracts.Correlated); ok {
		publishing.CorrelationId = c.GetCorrelationID()
	}

	return publishing, nil
}

func (t *Transport) pointToPointQueue(name string) rabbitmq.QueueDeclaration {
	return rabbitmq.QueueDeclaration{
		Name:      name,
		Durable:   true,
		Arguments: t.queueArguments(name, nil),
	}
}

func (t *Transport) queueArguments(queue string, base amqp.Table) amqp.Table {
	extra := amqp.Table{}
	if t.deadLetterExchange != "" {
		_, dlArgs := rabbitmq.DeadLetterTopology(queue, t.deadLetterExchange)
		for k, v := range dlArgs {
			extra[k] = v
		}
	}
	if t.enableFIFO {
		extra["x-single-active-consumer"] = true
	}
	return rabbitmq.MergeArguments(base, extra)
}

func (t *Transport) declareQueue(ctx context.Context, declaration rabbitmq.QueueDeclaration) error {
	if t.deadLetterExchange != "" {
		topology, _ := rabbitmq.DeadLetterTopology(declaration.Name, t.deadLetterExchange)
		if err := t.topology.DeclareTopology(ctx, topology); err != nil {
			return err
		}
	}
	_, err := t.topology.DeclareQueue(ctx, declaration)
	return err
}

func (t *Transport) resetTopology() {
	t.topology.Reset()
	t.sendQueues.Clear()
}

func topicExchange(topic string) rabbitmq.ExchangeDeclaration {
	return rabbitmq.ExchangeDeclaration{
		Name:    topic,
		Type:    amqp.ExchangeFanout,
		Durable: true,
	}
}

// topologyResetter drops cached declarations when the connection is replaced
type topologyResetter struct {
	reset  func()
	logger *slog.Logger
}

func (r *topologyResetter) OnConnected() {
	r.reset()
}

func (r *topologyResetter) OnDisconnected(err error) {
	r.logger.Warn("rabbitmq connection lost", "error", err)
}

func (r *topologyResetter) OnReconnecting(attempt int) {
	r.logger.Debug("rabbitmq reconnecting", "attempt", attempt)
}
