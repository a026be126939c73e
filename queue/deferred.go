package queue

import "errors"

// ErrQueueFull indicates the deferred queue declined an item because it is at capacity.
var ErrQueueFull = errors.New("deferred queue is full")

// Deferred is a bounded FIFO of pending deliveries.
//
// When full, new items are rejected and the existing contents are kept.
// Deferred is not safe for concurrent use; the owner serialises access.
type Deferred struct {
	items    []PendingDelivery
	capacity int
}

// NewDeferred creates a queue holding at most capacity items.
func NewDeferred(capacity int) *Deferred {
	if capacity < 0 {
		capacity = 0
	}
	return &Deferred{
		items:    make([]PendingDelivery, 0, min(capacity, 64)),
		capacity: capacity,
	}
}

// Push appends p at the tail. It returns false when the queue is full.
func (d *Deferred) Push(p PendingDelivery) bool {
	if len(d.items) >= d.capacity {
		return false
	}
	d.items = append(d.items, p)
	return true
}

// PopN removes and returns up to n items from the head.
func (d *Deferred) PopN(n int) []PendingDelivery {
	if n <= 0 || len(d.items) == 0 {
		return nil
	}
	if n > len(d.items) {
		n = len(d.items)
	}
	out := make([]PendingDelivery, n)
	copy(out, d.items[:n])
	for i := 0; i < n; i++ {
		d.items[i] = PendingDelivery{}
	}
	d.items = d.items[n:]
	return out
}

// Restore puts items back at the head in their original order. Items that
// no longer fit are returned to the caller.
func (d *Deferred) Restore(items []PendingDelivery) (overflow []PendingDelivery) {
	space := d.capacity - len(d.items)
	if space <= 0 {
		return items
	}
	if len(items) > space {
		overflow = items[space:]
		items = items[:space]
	}
	if len(items) == 0 {
		return overflow
	}
	restored := make([]PendingDelivery, 0, len(items)+len(d.items))
	restored = append(restored, items...)
	restored = append(restored, d.items...)
	d.items = restored
	return overflow
}

// Len returns the number of queued items.
func (d *Deferred) Len() int {
	return len(d.items)
}

// Cap returns the configured capacity.
func (d *Deferred) Cap() int {
	return d.capacity
}
