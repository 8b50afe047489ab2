// Package contracts provides the wire types shared by producers and consumers
// of correlated messages.
//
// A CorrelationEnvelope pairs a caller-chosen correlation identifier with an
// opaque body. Its JSON form has exactly two fields, CorrelationId and Body,
// so it stays compatible with other correlation-aware clients sharing the
// same broker.
package contracts
