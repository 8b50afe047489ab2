package contracts

// CorrelationEnvelope wraps a message body with the correlation identifier of
// the logical operation that produced it.
//
// The field names on the wire are fixed. Body is serialized with whatever
// encoding the transport applies to T.
type CorrelationEnvelope[T any] struct {
	CorrelationID string `json:"CorrelationId"`
	Body          T      `json:"Body"`
}

// NewCorrelationEnvelope creates an envelope for body tagged with correlationID
func NewCorrelationEnvelope[T any](correlationID string, body T) CorrelationEnvelope[T] {
	return CorrelationEnvelope[T]{
		CorrelationID: correlationID,
		Body:          body,
	}
}

// Unwrap splits the envelope into its correlation identifier and body
func (e CorrelationEnvelope[T]) Unwrap() (string, T) {
	return e.CorrelationID, e.Body
}

// Correlated is implemented by messages that expose their correlation
// identifier without knowledge of the body type. Transports use it to copy
// the identifier into broker message properties.
type Correlated interface {
	GetCorrelationID() string
}

var _ Correlated = CorrelationEnvelope[struct{}]{}

// GetCorrelationID returns the correlation identifier
func (e CorrelationEnvelope[T]) GetCorrelationID() string {
	return e.CorrelationID
}
