package messaging

import (
	"log/slog"
	"reflect"
)

// Option configures Subscribe and Receive
type Option func(*options)

type options struct {
	binder       *Binder
	logger       *slog.Logger
	subscription SubscriptionConfig
}

func newOptions(opts ...Option) options {
	o := options{
		binder:       DefaultBinder,
		logger:       slog.Default(),
		subscription: DefaultSubscriptionConfig(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// WithBinder sets the binder that opens correlation scopes
func WithBinder(binder *Binder) Option {
	return func(o *options) {
		if binder != nil {
			o.binder = binder
		}
	}
}

// WithLogger sets the logger used while handling messages. Wrap its handler
// with NewScopeHandler to have records tagged with the correlation id.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTopic sets the topic a subscription is bound to. Ignored by Receive.
func WithTopic(topic string) Option {
	return func(o *options) {
		o.subscription.Topic = topic
	}
}

// WithPrefetchCount sets the prefetch count. Ignored by Receive.
func WithPrefetchCount(count int) Option {
	return func(o *options) {
		o.subscription.PrefetchCount = count
	}
}

// WithDurable sets subscription queue durability. Ignored by Receive.
func WithDurable(durable bool) Option {
	return func(o *options) {
		o.subscription.Durable = durable
	}
}

// WithAutoDelete sets subscription queue auto-delete. Ignored by Receive.
func WithAutoDelete(autoDelete bool) Option {
	return func(o *options) {
		o.subscription.AutoDelete = autoDelete
	}
}

// WithArguments adds broker-specific subscription arguments. Ignored by Receive.
func WithArguments(args map[string]interface{}) Option {
	return func(o *options) {
		if o.subscription.Arguments == nil {
			o.subscription.Arguments = make(map[string]interface{})
		}
		for k, v := range args {
			o.subscription.Arguments[k] = v
		}
	}
}

// TopicOf returns the default topic for bodies of type T: its Go type name
func TopicOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}
