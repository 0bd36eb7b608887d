package remote

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a mutation targets an id that does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrSubscriptionDropped marks a change channel lost without an Unsubscribe.
	ErrSubscriptionDropped = errors.New("subscription dropped")
	// ErrClosed is returned by services used after Close.
	ErrClosed = errors.New("service closed")
)

// TransportError reports a failure to reach the data service.
type TransportError struct {
	Op    string
	Table string
	Err   error
	// RetryAfter is an optional server hint for when to try again.
	RetryAfter time.Duration
}

func (e *TransportError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError unless it already is one or
// is a context cancellation.
func NewTransportError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &TransportError{Op: op, Table: table, Err: err}
}

// ValidationError reports a malformed payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NotFoundf wraps ErrNotFound with context about the missing row.
func NotFoundf(table, id string) error {
	return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
}
