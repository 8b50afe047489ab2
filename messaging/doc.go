// Package messaging propagates correlation identifiers across a message bus.
//
// The package provides four functions over any Bus implementation:
//   - Publish: broadcast a body to a topic tagged with a correlation id
//   - Send: deliver a body to a named queue tagged with a correlation id
//   - Subscribe: consume a topic as part of a competing-consumer group
//   - Receive: consume a named queue exclusively
//
// Outbound calls reject an empty correlation id with a *ValidationError and
// otherwise hand a contracts.CorrelationEnvelope to the bus. Inbound calls
// unwrap each delivered envelope, report the id to an optional callback, and
// run the body handler inside a correlation scope opened by a Binder. The
// scope is released on every exit path and the handler's error reaches the
// bus unchanged.
//
// Scopes are carried on the context, so log records emitted with the
// *Context methods of a logger whose handler is wrapped with NewScopeHandler
// are tagged with the correlation id of the message being handled, and only
// that message.
//
// Example usage:
//
//	logger := slog.New(messaging.NewScopeHandler(slog.NewJSONHandler(os.Stdout, nil)))
//
//	reg, err := messaging.Receive(ctx, bus, "orders",
//		func(ctx context.Context, order OrderPlaced) error {
//			logger.InfoContext(ctx, "order received", "orderId", order.ID)
//			return nil
//		},
//		func(correlationID string) { metrics.Observe(correlationID) },
//		messaging.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer reg.Cancel()
//
//	err = messaging.Send(ctx, bus, "orders", "corr-123", OrderPlaced{ID: 42})
//
// Retry, delivery guarantees and ordering belong to the bus implementation.
package messaging
