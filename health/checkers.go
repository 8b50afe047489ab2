package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-correlation/internal/rabbitmq"
)

// BrokerChecker checks the RabbitMQ connection
type BrokerChecker struct {
	manager *rabbitmq.ConnectionManager
}

// NewBrokerChecker creates a broker connection checker
func NewBrokerChecker(manager *rabbitmq.ConnectionManager) *BrokerChecker {
	return &BrokerChecker{manager: manager}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	conn, err := c.manager.GetConnection()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to get connection", err)
	}
	if conn.IsClosed() {
		return result.fail(StatusUnhealthy, "Connection is closed", nil)
	}

	ch, err := conn.Channel()
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	// Fanout is the exchange kind topics are published to.
	if err := ch.ExchangeDeclarePassive("amq.fanout", "fanout", true, false, false, false, nil); err != nil {
		return result.fail(StatusDegraded, "Exchange check failed", err)
	}

	result.Details["connection_open"] = !conn.IsClosed()
	return result.pass("Connection is healthy")
}

// ChannelPoolChecker checks that a channel can be taken from the pool
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	result.Details["pool_size"] = c.pool.Size()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to get channel from pool", err)
	}
	c.pool.Put(ch)

	return result.pass("Channel pool is healthy")
}

// QueueInspector returns the state of a queue
type QueueInspector func(ctx context.Context, queue string) (messages, consumers int, err error)

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	queue     string
	inspect   QueueInspector
	threshold int
}

// NewQueueChecker creates a queue checker. The queue is reported degraded
// once it holds more than threshold messages; zero disables the limit.
func NewQueueChecker(queue string, inspect QueueInspector, threshold int) *QueueChecker {
	return &QueueChecker{
		queue:     queue,
		inspect:   inspect,
		threshold: threshold,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	messages, consumers, err := c.inspect(ctx, c.queue)
	if err != nil {
		return result.fail(StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queue), err)
	}

	result.Details["queue_name"] = c.queue
	result.Details["message_count"] = messages
	result.Details["consumer_count"] = consumers

	if c.threshold > 0 && messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
		result.Duration = time.Since(result.Timestamp)
		return result.CheckResult
	}

	return result.pass(fmt.Sprintf("Queue %s is accessible", c.queue))
}

// ComponentChecker adapts a function to Checker
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for a custom component
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	status, message, err := c.checker(ctx)
	if err != nil {
		return result.fail(status, message, err)
	}
	result.Status = status
	result.Message = message
	result.Duration = time.Since(result.Timestamp)
	return result.CheckResult
}

type pendingResult struct {
	CheckResult
}

func newResult(name string) *pendingResult {
	return &pendingResult{CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}}
}

func (r *pendingResult) fail(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	return r.CheckResult
}

func (r *pendingResult) pass(message string) CheckResult {
	r.Status = StatusHealthy
	r.Message = message
	r.Duration = time.Since(r.Timestamp)
	r.Details["response_time_ms"] = r.Duration.Milliseconds()
	return r.CheckResult
}
