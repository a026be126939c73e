package queue

import (
	"time"

	"github.com/google/uuid"
)

// Payload is an immutable copy of raw message data.
type Payload struct {
	data []byte
}

// NewPayload copies data into a new Payload.
func NewPayload(data []byte) Payload {
	if data == nil {
		return Payload{}
	}
	return Payload{data: append([]byte(nil), data...)}
}

// Bytes returns a copy of the payload contents.
func (p Payload) Bytes() []byte {
	if p.data == nil {
		return nil
	}
	return append([]byte(nil), p.data...)
}

// Len reports the payload size in bytes.
func (p Payload) Len() int {
	return len(p.data)
}

// Message is an outbound message handed to the delivery engine.
type Message struct {
	ID        string
	From      string
	To        []string
	Payload   Payload
	CreatedAt time.Time
}

// NewMessage builds a Message with a fresh ID.
func NewMessage(from string, to []string, data []byte) Message {
	return Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        append([]string(nil), to...),
		Payload:   NewPayload(data),
		CreatedAt: time.Now(),
	}
}

// PendingDelivery is a message waiting in the deferred queue.
type PendingDelivery struct {
	Message Message
	// EnqueuedAt is set on first enqueue and kept on re-queue.
	EnqueuedAt time.Time
	// Attempts counts queue-processing attempts only.
	Attempts  int
	LastError string
}

// Age reports how long the item has been queued as of now.
func (p PendingDelivery) Age(now time.Time) time.Duration {
	return now.Sub(p.EnqueuedAt)
}
