// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-correlation/health"
	"github.com/glimte/mmate-correlation/internal/rabbitmq"
	"github.com/glimte/mmate-correlation/messaging"
	rabbitmqTransport "github.com/glimte/mmate-correlation/transports/rabbitmq"
)

// Client wires a RabbitMQ bus, a correlation binder and a scope-aware logger
// together. Pass Options() to the messaging functions so every handler runs
// with the client's binder and logger.
type Client struct {
	transport   *rabbitmqTransport.Transport
	binder      *messaging.Binder
	logger      *slog.Logger
	serviceName string
}

// NewClient creates a new client with the default RabbitMQ transport
func NewClient(connectionString string) (*Client, error) {
	return NewClientWithOptions(connectionString, WithDefaultLogger())
}

// NewClientWithOptions creates a new client with options
func NewClientWithOptions(connectionString string, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger:         slog.Default(),
		serviceName:    "service",
		connectTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(cfg)
	}

	binder := cfg.binder
	if binder == nil {
		binder = messaging.NewBinder(messaging.SlogSink{}, messaging.WithScopeKey(cfg.scopeKey()))
	}

	logger := slog.New(messaging.NewScopeHandler(cfg.logger.Handler())).With("service", cfg.serviceName)

	transportOpts := []rabbitmqTransport.TransportOption{
		rabbitmqTransport.WithLogger(logger),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectionName(cfg.serviceName),
			rabbitmq.WithDialTimeout(cfg.connectTimeout),
		),
		rabbitmqTransport.WithFIFOMode(cfg.enableFIFO),
	}
	if cfg.prefetchCount > 0 {
		transportOpts = append(transportOpts, rabbitmqTransport.WithConsumerOptions(rabbitmq.WithPrefetchCount(cfg.prefetchCount)))
	}
	if cfg.deadLetterExchange != "" {
		transportOpts = append(transportOpts, rabbitmqTransport.WithDeadLetterExchange(cfg.deadLetterExchange))
	}
	transportOpts = append(transportOpts, cfg.transportOptions...)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.connectTimeout)
	defer cancel()

	transport, err := rabbitmqTransport.NewTransport(ctx, connectionString, transportOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{
		transport:   transport,
		binder:      binder,
		logger:      logger,
		serviceName: cfg.serviceName,
	}, nil
}

// Bus returns the message bus
func (c *Client) Bus() messaging.Bus {
	return c.transport
}

// Transport returns the RabbitMQ transport
func (c *Client) Transport() *rabbitmqTransport.Transport {
	return c.transport
}

// Binder returns the correlation binder used for inbound messages
func (c *Client) Binder() *messaging.Binder {
	return c.binder
}

// Logger returns a logger that tags records with the correlation id bound to
// the context they are logged with
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

// ServiceName returns the configured service name
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Options returns the messaging options carrying the client's binder and
// logger. Further options may be appended.
func (c *Client) Options(extra ...messaging.Option) []messaging.Option {
	opts := []messaging.Option{
		messaging.WithBinder(c.binder),
		messaging.WithLogger(c.logger),
	}
	return append(opts, extra...)
}

// Health reports the state of the broker connection and of the given queues
func (c *Client) Health(ctx context.Context, queues ...string) health.Report {
	return c.transport.Health(ctx, queues...)
}

// Close closes all resources
func (c *Client) Close() error {
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// clientConfig holds client configuration
type clientConfig struct {
	logger             *slog.Logger
	binder             *messaging.Binder
	scopeKeyName       string
	enableFIFO         bool
	serviceName        string
	prefetchCount      int
	deadLetterExchange string
	connectTimeout     time.Duration
	transportOptions   []rabbitmqTransport.TransportOption
}

func (cfg *clientConfig) scopeKey() string {
	if cfg.scopeKeyName == "" {
		return messaging.DefaultScopeKey
	}
	return cfg.scopeKeyName
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithBinder replaces the correlation binder. WithScopeKey is ignored when a
// binder is given.
func WithBinder(binder *messaging.Binder) ClientOption {
	return func(cfg *clientConfig) {
		cfg.binder = binder
	}
}

// WithScopeKey sets the log attribute name of the correlation id
func WithScopeKey(key string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.scopeKeyName = key
	}
}

// WithFIFOMode enables FIFO mode for strict message ordering
func WithFIFOMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.enableFIFO = enabled
	}
}

// WithServiceName sets the service name, used as the broker connection name
// and as a log attribute
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithPrefetchCount sets the default prefetch count of consumers
func WithPrefetchCount(count int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.prefetchCount = count
	}
}

// WithDeadLetterExchange routes rejected messages to per-queue dead-letter
// queues through the named exchange
func WithDeadLetterExchange(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterExchange = name
	}
}

// WithConnectTimeout bounds the initial connection
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithTransportOptions passes options through to the RabbitMQ transport
func WithTransportOptions(opts ...rabbitmqTransport.TransportOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transportOptions = append(cfg.transportOptions, opts...)
	}
}
