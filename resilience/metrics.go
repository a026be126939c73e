package resilience

// DropReason names why a deferred message was lost.
type DropReason string

const (
	DropQueueFull         DropReason = "queue_full"
	DropExpired           DropReason = "expired"
	DropAttemptsExhausted DropReason = "attempts_exhausted"
)

// Metrics receives engine telemetry. Implementations must not block.
type Metrics interface {
	// AddDelivered counts successful transport calls.
	AddDelivered(n int)
	// AddFailures counts failed transport calls.
	AddFailures(n int)
	// AddRejected counts attempts refused by the circuit breaker.
	AddRejected(n int)
	// AddDeferred counts messages accepted by the deferred queue.
	AddDeferred(n int)
	// AddDropped counts lost messages by reason.
	AddDropped(reason DropReason, n int)
	// SetQueueDepth records the deferred queue length.
	SetQueueDepth(n int)
	// SetCircuitState records a breaker transition.
	SetCircuitState(state CircuitState)
}

// NopMetrics discards all telemetry.
type NopMetrics struct{}

func (NopMetrics) AddDelivered(int)             {}
func (NopMetrics) AddFailures(int)              {}
func (NopMetrics) AddRejected(int)              {}
func (NopMetrics) AddDeferred(int)              {}
func (NopMetrics) AddDropped(DropReason, int)   {}
func (NopMetrics) SetQueueDepth(int)            {}
func (NopMetrics) SetCircuitState(CircuitState) {}
