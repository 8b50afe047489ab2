// Package telemetry adds OpenTelemetry spans and metrics around correlated
// message handlers.
//
// The correlation id bound by the messaging layer is attached to every span
// as the correlation.id attribute, so traces can be searched by the same id
// that tags the logs. The id is not used as a metric attribute.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-correlation/messaging"
)

// Attribute keys used by the instrumentation.
const (
	ErrorAttribute         attribute.Key = "error"
	HandlerNameAttribute   attribute.Key = "handler.name"
	CorrelationIDAttribute attribute.Key = "correlation.id"
)

type instruments struct {
	tracer   trace.Tracer
	count    metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments(cfg config) (*instruments, error) {
	meter := cfg.meter()
	in := &instruments{tracer: cfg.tracer()}

	var err error
	if in.count, err = meter.Int64Counter(
		"mmate.correlation.handled",
		metric.WithDescription("Count of correlated messages handled"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: failed to register metric: %w", err)
	}

	if in.duration, err = meter.Float64Histogram(
		"mmate.correlation.handler.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration in milliseconds of correlated message handlers"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: failed to register metric: %w", err)
	}

	return in, nil
}

// InstrumentHandler wraps onBody so each invocation runs in a consumer span
// and is counted and timed. The wrapped handler returns onBody's error
// unchanged and re-raises its panics after recording them.
//
// Pass the result to messaging.Subscribe or messaging.Receive; the span then
// starts inside the correlation scope.
func InstrumentHandler[T any](name string, onBody messaging.BodyHandler[T], opts ...Option) (messaging.BodyHandler[T], error) {
	if onBody == nil {
		return nil, messaging.ErrNilHandler
	}

	in, err := newInstruments(newConfig(opts...))
	if err != nil {
		return nil, err
	}

	attributes := []attribute.KeyValue{HandlerNameAttribute.String(name)}

	return func(ctx context.Context, body T) (err error) {
		//nolint:gocritic // Not appending to the same slice done on purpose.
		spanAttributes := append(attributes, attribute.String("message.type", fmt.Sprintf("%T", body)))
		if id, ok := messaging.CorrelationIDFromContext(ctx); ok {
			spanAttributes = append(spanAttributes, CorrelationIDAttribute.String(id))
		}

		ctx, span := in.tracer.Start(ctx, "correlation.handle "+name,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(spanAttributes...),
		)
		start := time.Now()

		defer func() {
			r := recover()
			if r != nil {
				err = fmt.Errorf("panic: %v", r)
			}

			set := metric.WithAttributes(append(attributes, ErrorAttribute.Bool(err != nil))...)
			in.duration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), set)
			in.count.Add(ctx, 1, set)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()

			if r != nil {
				panic(r)
			}
		}()

		return onBody(ctx, body)
	}, nil
}
