package resilience

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable marks a send the circuit breaker refused; the transport
	// was not called for the rejected attempt.
	ErrUnavailable = errors.New("resilience: service temporarily unavailable")
	// ErrExhausted marks a send whose attempts all failed.
	ErrExhausted = errors.New("resilience: delivery attempts exhausted")
)

// Status describes how a synchronous send ended.
type Status int

const (
	StatusDelivered Status = iota
	StatusExhausted
	StatusUnavailable
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusExhausted:
		return "exhausted"
	case StatusUnavailable:
		return "unavailable"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the outcome of SendWithRetry.
type Result struct {
	Status Status
	// Attempts is the number of transport calls made.
	Attempts int
	Err      error
	// Queued reports whether the message was handed to the deferred queue.
	// A queued message is still a failed send.
	Queued bool
}

// Delivered reports whether the transport accepted the message.
func (r Result) Delivered() bool {
	return r.Status == StatusDelivered
}

// ExhaustedError carries the last transport error after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("resilience: delivery failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// TransportError normalises a transport failure, whether returned or panicked.
type TransportError struct {
	MessageID string
	Err       error
	Panic     any
}

func (e *TransportError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("transport panic for message %s: %v", e.MessageID, e.Panic)
	}
	return fmt.Sprintf("transport failed for message %s: %v", e.MessageID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func unavailableError(last error) error {
	if last == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, last)
}
