package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultScopeKey is the log attribute key under which correlation ids are
// bound
const DefaultScopeKey = "CorrelationId"

// ScopeSink is the scope capability of a logging sink. BeginScope returns the
// context on which the scope is active and the func that closes it.
type ScopeSink interface {
	BeginScope(ctx context.Context, key, value string) (context.Context, func())
}

// SlogSink binds scopes as slog attributes carried on the context.
// Records are tagged when they go through a ScopeHandler.
type SlogSink struct{}

// BeginScope implements ScopeSink
func (SlogSink) BeginScope(ctx context.Context, key, value string) (context.Context, func()) {
	return withScopeAttr(ctx, slog.String(key, value)), func() {}
}

// ScopeHandler is a slog.Handler that adds the attributes of the scopes open
// on the record's context before passing it on
type ScopeHandler struct {
	next slog.Handler
}

var _ slog.Handler = (*ScopeHandler)(nil)

// NewScopeHandler wraps next
func NewScopeHandler(next slog.Handler) *ScopeHandler {
	return &ScopeHandler{next: next}
}

// Enabled implements slog.Handler
func (h *ScopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *ScopeHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := ScopeAttrs(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *ScopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ScopeHandler{next: h.next.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler
func (h *ScopeHandler) WithGroup(name string) slog.Handler {
	return &ScopeHandler{next: h.next.WithGroup(name)}
}

// Binder ties a correlation id to the logging context for a bounded extent
type Binder struct {
	sink ScopeSink
	key  string
}

// BinderOption configures a Binder
type BinderOption func(*Binder)

// WithScopeKey sets the log attribute key
func WithScopeKey(key string) BinderOption {
	return func(b *Binder) {
		if key != "" {
			b.key = key
		}
	}
}

// DefaultBinder binds through SlogSink under DefaultScopeKey
var DefaultBinder = NewBinder(SlogSink{})

// NewBinder creates a binder over sink. A nil sink means SlogSink.
func NewBinder(sink ScopeSink, options ...BinderOption) *Binder {
	if sink == nil {
		sink = SlogSink{}
	}

	b := &Binder{
		sink: sink,
		key:  DefaultScopeKey,
	}

	for _, opt := range options {
		opt(b)
	}

	return b
}

// Key returns the log attribute key used by the binder
func (b *Binder) Key() string {
	return b.key
}

// Open opens a scope for correlationID. The returned context carries the
// scope and is cancelled when the scope is released; callers must Release
// the scope on every path.
func (b *Binder) Open(ctx context.Context, correlationID string) (context.Context, *Scope) {
	scopeCtx, cancel := context.WithCancel(ctx)
	scopeCtx = ContextWithCorrelationID(scopeCtx, correlationID)
	scopeCtx, release := b.sink.BeginScope(scopeCtx, b.key, correlationID)

	return scopeCtx, &Scope{
		correlationID: correlationID,
		release:       release,
		cancel:        cancel,
	}
}

// Run executes fn inside a scope for correlationID and releases the scope
// when fn returns or panics
func (b *Binder) Run(ctx context.Context, correlationID string, fn func(ctx context.Context) error) error {
	scopeCtx, scope := b.Open(ctx, correlationID)
	defer scope.Release()

	return fn(scopeCtx)
}

// Scope is an open correlation scope
type Scope struct {
	correlationID string
	release       func()
	cancel        context.CancelFunc
	once          sync.Once
}

// CorrelationID returns the id the scope was opened with
func (s *Scope) CorrelationID() string {
	return s.correlationID
}

// Release closes the scope. Calls after the first are no-ops.
func (s *Scope) Release() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.cancel()
	})
}
