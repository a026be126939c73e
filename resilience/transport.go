package resilience

import (
	"context"

	"postguard/queue"
)

// Transport delivers a single message. It performs no retries of its own.
type Transport interface {
	Send(ctx context.Context, msg queue.Message) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, msg queue.Message) error

// Send implements Transport.
func (f TransportFunc) Send(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// invoke calls the transport and folds returned errors and panics into a
// single *TransportError.
func invoke(ctx context.Context, t Transport, msg queue.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &TransportError{MessageID: msg.ID, Panic: rec}
		}
	}()
	if sendErr := t.Send(ctx, msg); sendErr != nil {
		return &TransportError{MessageID: msg.ID, Err: sendErr}
	}
	return nil
}
