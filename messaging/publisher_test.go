package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/mmate-correlation/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type orderPlaced struct {
	ID int `json:"id"`
}

func TestPublish(t *testing.T) {
	t.Run("wraps body in envelope and broadcasts", func(t *testing.T) {
		bus := &mockBus{}
		ctx := context.Background()
		expected := contracts.NewCorrelationEnvelope("corr-123", orderPlaced{ID: 42})

		bus.On("Publish", ctx, "orders.placed", expected).Return(nil)

		err := Publish(ctx, bus, "orders.placed", "corr-123", orderPlaced{ID: 42})

		assert.NoError(t, err)
		bus.AssertExpectations(t)
		bus.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects empty correlation id without touching the bus", func(t *testing.T) {
		bus := &mockBus{}

		err := Publish(context.Background(), bus, "orders.placed", "", orderPlaced{ID: 1})

		assert.Error(t, err)
		assert.ErrorIs(t, err, ErrEmptyCorrelationID)
		assert.True(t, IsValidationError(err))

		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.Equal(t, "publish", verr.Op)
		assert.Equal(t, "correlationID", verr.Field)
		assert.Empty(t, bus.Calls)
	})

	t.Run("returns transport error unchanged", func(t *testing.T) {
		bus := &mockBus{}
		transportErr := errors.New("connection reset")

		bus.On("Publish", mock.Anything, "orders.placed", mock.Anything).Return(transportErr)

		err := Publish(context.Background(), bus, "orders.placed", "corr-1", orderPlaced{ID: 1})

		assert.Same(t, transportErr, err)
		assert.False(t, IsValidationError(err))
	})

	t.Run("rejects nil bus", func(t *testing.T) {
		err := Publish[string](context.Background(), nil, "topic", "corr-1", "body")
		assert.ErrorIs(t, err, ErrNilBus)
	})
}

func TestSend(t *testing.T) {
	t.Run("wraps body in envelope and sends to queue", func(t *testing.T) {
		bus := &mockBus{}
		ctx := context.Background()
		expected := contracts.NewCorrelationEnvelope("corr-123", orderPlaced{ID: 42})

		bus.On("Send", ctx, "orders", expected).Return(nil)

		err := Send(ctx, bus, "orders", "corr-123", orderPlaced{ID: 42})

		assert.NoError(t, err)
		bus.AssertExpectations(t)
		bus.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("rejects empty correlation id without touching the bus", func(t *testing.T) {
		bus := &mockBus{}

		err := Send(context.Background(), bus, "orders", "", orderPlaced{ID: 1})

		var verr *ValidationError
		assert.ErrorAs(t, err, &verr)
		assert.Equal(t, "send", verr.Op)
		assert.ErrorIs(t, err, ErrEmptyCorrelationID)
		assert.Empty(t, bus.Calls)
	})

	t.Run("returns transport error unchanged", func(t *testing.T) {
		bus := &mockBus{}
		transportErr := context.DeadlineExceeded

		bus.On("Send", mock.Anything, "orders", mock.Anything).Return(transportErr)

		err := Send(context.Background(), bus, "orders", "corr-1", "payload")

		assert.Equal(t, transportErr, err)
	})

	t.Run("whitespace ids are passed through", func(t *testing.T) {
		bus := &mockBus{}
		bus.On("Send", mock.Anything, "q", contracts.NewCorrelationEnvelope(" ", 1)).Return(nil)

		assert.NoError(t, Send(context.Background(), bus, "q", " ", 1))
		bus.AssertExpectations(t)
	})
}
