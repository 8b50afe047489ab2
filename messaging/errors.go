package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCorrelationID is returned when a message is published or sent
	// without a correlation identifier
	ErrEmptyCorrelationID = errors.New("messaging: correlation id cannot be empty")

	// ErrNilHandler is returned when a subscription is registered without a
	// body handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")

	// ErrNilBus is returned when no bus is supplied
	ErrNilBus = errors.New("messaging: bus cannot be nil")
)

// ValidationError reports an argument rejected before the bus was touched
type ValidationError struct {
	Op    string // Operation that rejected the argument
	Field string // Offending argument
	Err   error  // Underlying sentinel
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("messaging: %s: invalid %s: %v", e.Op, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err was raised by argument validation
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

func validateCorrelationID(op, correlationID string) error {
	if correlationID == "" {
		return &ValidationError{Op: op, Field: "correlationID", Err: ErrEmptyCorrelationID}
	}
	return nil
}
