package rabbitmq

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages RabbitMQ topology (exchanges, queues, bindings)
type TopologyManager struct {
	pool *ChannelPool

	// declared remembers exchanges already declared on this connection so
	// hot publish paths do not redeclare on every message
	mu       sync.Mutex
	declared map[string]struct{}
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology groups declarations applied together
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{
		pool:     pool,
		declared: make(map[string]struct{}),
	}
}

// DeclareTopology declares exchanges, then queues, then bindings
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		for _, exchange := range topology.Exchanges {
			if err := declareExchange(ch, exchange); err != nil {
				return topologyError("exchange", exchange.Name, "declare", err)
			}
			tm.remember(exchange.Name)
		}

		for _, queue := range topology.Queues {
			if _, err := declareQueue(ch, queue); err != nil {
				return topologyError("queue", queue.Name, "declare", err)
			}
		}

		for _, binding := range topology.Bindings {
			if err := bindQueue(ch, binding); err != nil {
				return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
			}
		}

		return nil
	})
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return declareExchange(ch, exchange)
	})
	if err != nil {
		return topologyError("exchange", exchange.Name, "declare", err)
	}
	tm.remember(exchange.Name)
	return nil
}

// EnsureExchange declares the exchange unless it was already declared
// through this manager
func (tm *TopologyManager) EnsureExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if tm.isDeclared(exchange.Name) {
		return nil
	}
	return tm.DeclareExchange(ctx, exchange)
}

// DeclareQueue declares a single queue
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = declareQueue(ch, queue)
		return err
	})
	if err != nil {
		return q, topologyError("queue", queue.Name, "declare", err)
	}
	return q, nil
}

// BindQueue creates a queue binding
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return bindQueue(ch, binding)
	})
	if err != nil {
		return topologyError("binding", binding.Queue+"->"+binding.Exchange, "declare", err)
	}
	return nil
}

// DeleteQueue deletes a queue
func (tm *TopologyManager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) error {
	return tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		_, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
}

// DeleteExchange deletes an exchange
func (tm *TopologyManager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDelete(name, ifUnused, false)
	})
	if err == nil {
		tm.forget(name)
	}
	return err
}

// GetQueueInfo returns the message and consumer counts of an existing queue
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.pool.Execute(ctx, func(ch *amqp.Channel) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	return q, err
}

// Reset forgets cached exchange declarations, for use after a reconnect
func (tm *TopologyManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.declared = make(map[string]struct{})
}

// DeadLetterTopology returns the declarations that route rejected messages of
// queue into "<queue>.dlq" through the dlx exchange, and the arguments the
// queue itself must be declared with
func DeadLetterTopology(queue, dlx string) (Topology, amqp.Table) {
	dlq := queue + ".dlq"
	topology := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: dlx, Type: amqp.ExchangeDirect, Durable: true},
		},
		Queues: []QueueDeclaration{
			{Name: dlq, Durable: true},
		},
		Bindings: []Binding{
			{Queue: dlq, Exchange: dlx, RoutingKey: dlq},
		},
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    dlx,
		"x-dead-letter-routing-key": dlq,
	}
	return topology, args
}

func (tm *TopologyManager) isDeclared(name string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.declared[name]
	return ok
}

func (tm *TopologyManager) remember(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.declared[name] = struct{}{}
}

func (tm *TopologyManager) forget(name string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.declared, name)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}

// MergeArguments returns a new table holding base overlaid with extra
func MergeArguments(base, extra amqp.Table) amqp.Table {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(amqp.Table, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
