package resilience

import "time"

// Health is a point-in-time view of the engine for monitoring.
type Health struct {
	CircuitState        CircuitState
	QueuedCount         int
	ConsecutiveFailures int
	// IsHealthy is true only while the circuit is closed.
	IsHealthy bool
	// LastSuccessAt and CircuitOpenedAt are zero when unset.
	LastSuccessAt   time.Time
	CircuitOpenedAt time.Time

	Delivered        int64
	Deferred         int64
	Rejected         int64
	DroppedQueueFull int64
	DroppedExpired   int64
	DroppedExhausted int64
}

// Dropped returns the total number of lost messages.
func (h Health) Dropped() int64 {
	return h.DroppedQueueFull + h.DroppedExpired + h.DroppedExhausted
}

// GetHealth returns a consistent snapshot of the shared state. It never
// waits on a transport call.
func (e *Engine) GetHealth() Health {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Health{
		CircuitState:        e.breaker.state,
		QueuedCount:         e.queue.Len(),
		ConsecutiveFailures: e.breaker.failures,
		IsHealthy:           e.breaker.state == CircuitClosed,
		LastSuccessAt:       e.breaker.lastOkAt,
		CircuitOpenedAt:     e.breaker.openedAt,
		Delivered:           e.counters.delivered,
		Deferred:            e.counters.deferred,
		Rejected:            e.counters.rejected,
		DroppedQueueFull:    e.counters.droppedQueueFull,
		DroppedExpired:      e.counters.droppedExpired,
		DroppedExhausted:    e.counters.droppedExhausted,
	}
}
