package inmemory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-correlation/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

// collector records decoded payloads delivered to a handler
type collector struct {
	mu       sync.Mutex
	received []string
	signal   chan struct{}
}

func newCollector() *collector {
	return &collector{signal: make(chan struct{}, 100)}
}

func (c *collector) handler(ctx context.Context, d messaging.Delivery) error {
	var p payload
	if err := d.Decode(&p); err != nil {
		return err
	}
	c.mu.Lock()
	c.received = append(c.received, p.Value)
	c.mu.Unlock()
	c.signal <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.signal:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

func (c *collector) values() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

func TestSendAndReceive(t *testing.T) {
	t.Run("delivers to the receiver", func(t *testing.T) {
		bus := New()
		defer bus.Close()
		c := newCollector()

		reg, err := bus.Receive(context.Background(), "orders", c.handler)
		require.NoError(t, err)
		defer reg.Cancel()

		require.NoError(t, bus.Send(context.Background(), "orders", payload{Value: "one"}))
		c.wait(t, 1)
		assert.Equal(t, []string{"one"}, c.values())
	})

	t.Run("buffers until a receiver registers", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		require.NoError(t, bus.Send(context.Background(), "orders", payload{Value: "early"}))
		assert.Equal(t, 1, bus.Pending("orders"))

		c := newCollector()
		_, err := bus.Receive(context.Background(), "orders", c.handler)
		require.NoError(t, err)

		c.wait(t, 1)
		assert.Equal(t, []string{"early"}, c.values())
		assert.Equal(t, 0, bus.Pending("orders"))
	})

	t.Run("second receiver is rejected", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		_, err := bus.Receive(context.Background(), "orders", newCollector().handler)
		require.NoError(t, err)

		_, err = bus.Receive(context.Background(), "orders", newCollector().handler)
		assert.ErrorIs(t, err, ErrQueueInUse)
	})

	t.Run("queue is free again after cancel", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		reg, err := bus.Receive(context.Background(), "orders", newCollector().handler)
		require.NoError(t, err)
		require.NoError(t, reg.Cancel())

		_, err = bus.Receive(context.Background(), "orders", newCollector().handler)
		assert.NoError(t, err)
	})

	t.Run("cancelling the registration context detaches it", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		ctx, cancel := context.WithCancel(context.Background())
		_, err := bus.Receive(ctx, "orders", newCollector().handler)
		require.NoError(t, err)
		cancel()

		assert.Eventually(t, func() bool {
			_, err := bus.Receive(context.Background(), "orders", newCollector().handler)
			return err == nil
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("encoding failures are returned", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		err := bus.Send(context.Background(), "orders", make(chan int))
		assert.Error(t, err)
		assert.Equal(t, 0, bus.Pending("orders"))
	})

	t.Run("cancelled context is returned", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, bus.Send(ctx, "orders", payload{}), context.Canceled)
	})
}

func TestPublishAndSubscribe(t *testing.T) {
	t.Run("fans out to each subscription group", func(t *testing.T) {
		bus := New()
		defer bus.Close()
		billing, shipping := newCollector(), newCollector()

		_, err := bus.Subscribe(context.Background(), "billing", billing.handler, messaging.SubscriptionConfig{Topic: "orders.placed"})
		require.NoError(t, err)
		_, err = bus.Subscribe(context.Background(), "shipping", shipping.handler, messaging.SubscriptionConfig{Topic: "orders.placed"})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(context.Background(), "orders.placed", payload{Value: "p1"}))

		billing.wait(t, 1)
		shipping.wait(t, 1)
		assert.Equal(t, []string{"p1"}, billing.values())
		assert.Equal(t, []string{"p1"}, shipping.values())
	})

	t.Run("members of a group compete", func(t *testing.T) {
		bus := New()
		defer bus.Close()
		first, second := newCollector(), newCollector()
		cfg := messaging.SubscriptionConfig{Topic: "orders.placed"}

		_, err := bus.Subscribe(context.Background(), "billing", first.handler, cfg)
		require.NoError(t, err)
		_, err = bus.Subscribe(context.Background(), "billing", second.handler, cfg)
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			require.NoError(t, bus.Publish(context.Background(), "orders.placed", payload{Value: "x"}))
		}

		first.wait(t, 2)
		second.wait(t, 2)
		assert.Len(t, first.values(), 2)
		assert.Len(t, second.values(), 2)
	})

	t.Run("topics are isolated", func(t *testing.T) {
		bus := New()
		defer bus.Close()
		c := newCollector()

		_, err := bus.Subscribe(context.Background(), "billing", c.handler, messaging.SubscriptionConfig{Topic: "orders.placed"})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(context.Background(), "orders.cancelled", payload{Value: "other"}))
		require.NoError(t, bus.Publish(context.Background(), "orders.placed", payload{Value: "mine"}))

		c.wait(t, 1)
		assert.Equal(t, []string{"mine"}, c.values())
	})

	t.Run("requires a topic", func(t *testing.T) {
		bus := New()
		defer bus.Close()

		_, err := bus.Subscribe(context.Background(), "billing", newCollector().handler, messaging.SubscriptionConfig{})
		assert.ErrorIs(t, err, ErrTopicRequired)
	})
}

func TestFailures(t *testing.T) {
	t.Run("handler errors are recorded and hooked", func(t *testing.T) {
		hooked := make(chan Failure, 1)
		bus := New(WithFailureHook(func(f Failure) { hooked <- f }))
		defer bus.Close()
		handlerErr := errors.New("rejected")

		_, err := bus.Receive(context.Background(), "orders", func(context.Context, messaging.Delivery) error {
			return handlerErr
		})
		require.NoError(t, err)
		require.NoError(t, bus.Send(context.Background(), "orders", payload{Value: "bad"}))

		select {
		case f := <-hooked:
			assert.Same(t, handlerErr, f.Err)
			assert.Equal(t, "orders", f.Destination)

			var p payload
			require.NoError(t, json.Unmarshal(f.Body, &p))
			assert.Equal(t, "bad", p.Value)
		case <-time.After(2 * time.Second):
			t.Fatal("failure hook not called")
		}
		assert.Len(t, bus.Failures(), 1)
	})

	t.Run("handler panics become failures", func(t *testing.T) {
		hooked := make(chan Failure, 1)
		bus := New(WithFailureHook(func(f Failure) { hooked <- f }))
		defer bus.Close()

		_, err := bus.Receive(context.Background(), "orders", func(context.Context, messaging.Delivery) error {
			panic("boom")
		})
		require.NoError(t, err)
		require.NoError(t, bus.Send(context.Background(), "orders", payload{}))

		select {
		case f := <-hooked:
			assert.Contains(t, f.Err.Error(), "boom")
		case <-time.After(2 * time.Second):
			t.Fatal("failure hook not called")
		}
	})
}

func TestCancelWaitsForInflight(t *testing.T) {
	bus := New()
	defer bus.Close()

	started := make(chan struct{})
	finished := make(chan struct{})

	reg, err := bus.Receive(context.Background(), "orders", func(ctx context.Context, d messaging.Delivery) error {
		close(started)
		<-ctx.Done()
		close(finished)
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, bus.Send(context.Background(), "orders", payload{}))

	<-started
	require.NoError(t, reg.Cancel())

	select {
	case <-finished:
	default:
		t.Fatal("Cancel returned before the in-flight handler finished")
	}
}

func TestClose(t *testing.T) {
	bus := New()
	_, err := bus.Receive(context.Background(), "orders", newCollector().handler)
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Send(context.Background(), "orders", payload{}), ErrBusClosed)
	assert.ErrorIs(t, bus.Publish(context.Background(), "t", payload{}), ErrBusClosed)
	_, err = bus.Receive(context.Background(), "other", newCollector().handler)
	assert.ErrorIs(t, err, ErrBusClosed)
}
