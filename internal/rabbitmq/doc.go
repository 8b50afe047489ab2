// Package rabbitmq provides the RabbitMQ plumbing behind the AMQP bus.
//
// This package includes:
//   - ConnectionManager: Manages the broker connection with automatic reconnection
//   - ChannelPool: Reuses AMQP channels between publishes and declarations
//   - Publisher: Publishes with publisher confirms
//   - Consumer: Runs consumers per consumer tag and re-attaches them after reconnects
//   - TopologyManager: Declares exchanges, queues and bindings
//
// Acknowledgement policy lives here, not in the correlation layer: a handler
// returning nil is acked, a handler returning an error or panicking is nacked
// and either requeued or dead-lettered depending on the consumer options.
package rabbitmq
