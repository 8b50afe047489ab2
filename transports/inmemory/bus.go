// Package inmemory provides an in-process implementation of messaging.Bus.
//
// Messages are JSON encoded on every hop, as they would be on a broker, so
// handlers never share memory with producers. Each delivery runs on its own
// goroutine. Publish fans out to every subscription group of a topic and
// picks one member of each group in round-robin order. Send delivers to the
// single receiver of a queue and buffers messages until one registers.
//
// Failed deliveries are not retried. They are recorded and handed to the
// optional failure hook, which plays the part of a dead-letter queue.
package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-correlation/messaging"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrBusClosed is returned for operations on a closed bus
	ErrBusClosed = errors.New("inmemory: bus is closed")

	// ErrQueueInUse is returned when a second receiver binds to a queue
	ErrQueueInUse = errors.New("inmemory: queue already has a receiver")

	// ErrTopicRequired is returned when a subscription has no topic
	ErrTopicRequired = errors.New("inmemory: subscription topic cannot be empty")
)

var _ messaging.Bus = (*Bus)(nil)

// Failure describes a delivery whose handler returned an error or panicked
type Failure struct {
	Destination    string
	RegistrationID string
	Body           []byte
	Err            error
}

// Bus is an in-process message bus
type Bus struct {
	mu          sync.Mutex
	topics      map[string]map[string]*group
	queues      map[string]*queue
	failures    []Failure
	failureHook func(Failure)
	logger      *slog.Logger
	closed      bool
}

type group struct {
	members []*registration
	next    int
}

type queue struct {
	receiver *registration
	pending  [][]byte
}

// Option configures the Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithFailureHook sets a function called for every failed delivery
func WithFailureHook(hook func(Failure)) Option {
	return func(b *Bus) {
		b.failureHook = hook
	}
}

// New creates an empty bus
func New(options ...Option) *Bus {
	b := &Bus{
		topics: make(map[string]map[string]*group),
		queues: make(map[string]*queue),
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Publish implements messaging.Bus
func (b *Bus) Publish(ctx context.Context, topic string, msg any) error {
	data, err := encode(ctx, msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	groups := b.topics[topic]
	for _, g := range groups {
		if len(g.members) == 0 {
			continue
		}
		member := g.members[g.next%len(g.members)]
		g.next++
		b.dispatch(member, data)
	}

	b.logger.Debug("message published", "topic", topic, "groups", len(groups))
	return nil
}

// Send implements messaging.Bus
func (b *Bus) Send(ctx context.Context, queueName string, msg any) error {
	data, err := encode(ctx, msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	q := b.queue(queueName)
	if q.receiver == nil {
		q.pending = append(q.pending, data)
		b.logger.Debug("message queued", "queue", queueName, "pending", len(q.pending))
		return nil
	}

	b.dispatch(q.receiver, data)
	return nil
}

// Subscribe implements messaging.Bus. Registrations sharing subscriptionID
// and topic compete for messages.
func (b *Bus) Subscribe(ctx context.Context, subscriptionID string, handler messaging.DeliveryHandler, config messaging.SubscriptionConfig) (messaging.Registration, error) {
	if config.Topic == "" {
		return nil, ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	groups, ok := b.topics[config.Topic]
	if !ok {
		groups = make(map[string]*group)
		b.topics[config.Topic] = groups
	}
	g, ok := groups[subscriptionID]
	if !ok {
		g = &group{}
		groups[subscriptionID] = g
	}

	var reg *registration
	reg = b.newRegistration(ctx, config.Topic+"/"+subscriptionID, handler, func() {
		g.remove(reg)
	})
	g.members = append(g.members, reg)

	b.logger.Info("subscribed to topic",
		"topic", config.Topic,
		"subscriptionId", subscriptionID,
		"registrationId", reg.id,
	)

	return reg, nil
}

// Receive implements messaging.Bus
func (b *Bus) Receive(ctx context.Context, queueName string, handler messaging.DeliveryHandler) (messaging.Registration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	q := b.queue(queueName)
	if q.receiver != nil {
		return nil, fmt.Errorf("%w: %s", ErrQueueInUse, queueName)
	}

	var reg *registration
	reg = b.newRegistration(ctx, queueName, handler, func() {
		if q.receiver == reg {
			q.receiver = nil
		}
	})
	q.receiver = reg

	for _, data := range q.pending {
		b.dispatch(reg, data)
	}
	q.pending = nil

	b.logger.Info("receiving from queue", "queue", queueName, "registrationId", reg.id)
	return reg, nil
}

// Failures returns the deliveries that failed so far
func (b *Bus) Failures() []Failure {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Failure(nil), b.failures...)
}

// Pending returns the number of messages waiting for a receiver on queue
func (b *Bus) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.pending)
	}
	return 0
}

// Close cancels every registration and waits for in-flight deliveries
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var regs []*registration
	for _, groups := range b.topics {
		for _, g := range groups {
			regs = append(regs, g.members...)
		}
	}
	for _, q := range b.queues {
		if q.receiver != nil {
			regs = append(regs, q.receiver)
		}
	}
	b.mu.Unlock()

	var eg errgroup.Group
	for _, reg := range regs {
		eg.Go(reg.Cancel)
	}
	return eg.Wait()
}

func (b *Bus) queue(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// dispatch must be called with b.mu held
func (b *Bus) dispatch(reg *registration, data []byte) {
	reg.inflight.Add(1)
	go func() {
		defer reg.inflight.Done()

		if err := reg.invoke(data); err != nil {
			b.recordFailure(Failure{
				Destination:    reg.destination,
				RegistrationID: reg.id,
				Body:           data,
				Err:            err,
			})
		}
	}()
}

func (b *Bus) recordFailure(f Failure) {
	b.mu.Lock()
	b.failures = append(b.failures, f)
	hook := b.failureHook
	b.mu.Unlock()

	b.logger.Warn("delivery failed",
		"destination", f.Destination,
		"registrationId", f.RegistrationID,
		"error", f.Err,
	)

	if hook != nil {
		hook(f)
	}
}

func (g *group) remove(reg *registration) {
	for i, m := range g.members {
		if m == reg {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

func encode(ctx context.Context, msg any) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("inmemory: failed to encode message: %w", err)
	}
	return data, nil
}
