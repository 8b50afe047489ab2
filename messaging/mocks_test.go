package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock Bus
type mockBus struct {
	mock.Mock
}

func (m *mockBus) Publish(ctx context.Context, topic string, msg any) error {
	args := m.Called(ctx, topic, msg)
	return args.Error(0)
}

func (m *mockBus) Send(ctx context.Context, queue string, msg any) error {
	args := m.Called(ctx, queue, msg)
	return args.Error(0)
}

func (m *mockBus) Subscribe(ctx context.Context, subscriptionID string, handler DeliveryHandler, config SubscriptionConfig) (Registration, error) {
	args := m.Called(ctx, subscriptionID, handler, config)
	reg, _ := args.Get(0).(Registration)
	return reg, args.Error(1)
}

func (m *mockBus) Receive(ctx context.Context, queue string, handler DeliveryHandler) (Registration, error) {
	args := m.Called(ctx, queue, handler)
	reg, _ := args.Get(0).(Registration)
	return reg, args.Error(1)
}

type mockRegistration struct {
	mock.Mock
}

func (m *mockRegistration) Cancel() error {
	args := m.Called()
	return args.Error(0)
}

// jsonDelivery emulates a transport that JSON-encodes messages on the wire
type jsonDelivery struct {
	data []byte
}

func (d jsonDelivery) Decode(v any) error {
	return json.Unmarshal(d.data, v)
}

func newJSONDelivery(t *testing.T, msg any) jsonDelivery {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return jsonDelivery{data: data}
}

// recordingSink records scope lifecycle events in order
type recordingSink struct {
	mu     sync.Mutex
	events *[]string
}

func newRecordingSink(events *[]string) *recordingSink {
	return &recordingSink{events: events}
}

func (s *recordingSink) record(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.events = append(*s.events, event)
}

func (s *recordingSink) BeginScope(ctx context.Context, key, value string) (context.Context, func()) {
	s.record("begin:" + key + "=" + value)
	ctx, _ = SlogSink{}.BeginScope(ctx, key, value)
	return ctx, func() { s.record("release:" + value) }
}

// captureHandler collects log records with their attributes flattened to strings
type captureHandler struct {
	store *recordStore
	attrs []slog.Attr
}

type recordStore struct {
	mu      sync.Mutex
	records []capturedRecord
}

type capturedRecord struct {
	msg   string
	attrs map[string]string
}

func newCaptureHandler() *captureHandler {
	return &captureHandler{store: &recordStore{}}
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := capturedRecord{msg: r.Message, attrs: make(map[string]string)}
	for _, a := range h.attrs {
		rec.attrs[a.Key] = a.Value.String()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.attrs[a.Key] = a.Value.String()
		return true
	})

	h.store.mu.Lock()
	h.store.records = append(h.store.records, rec)
	h.store.mu.Unlock()
	return nil
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &captureHandler{store: h.store, attrs: merged}
}

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) Records() []capturedRecord {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return append([]capturedRecord(nil), h.store.records...)
}
