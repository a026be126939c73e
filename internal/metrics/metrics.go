package metrics

import (
	"expvar"

	"postguard/resilience"
)

var (
	MessagesAccepted  = expvar.NewInt("delivery_messages_accepted_total")
	MessagesDelivered = expvar.NewInt("delivery_messages_delivered_total")
	DeliveryFailures  = expvar.NewInt("delivery_failures_total")
	BreakerRejections = expvar.NewInt("delivery_breaker_rejections_total")
	MessagesDeferred  = expvar.NewInt("delivery_messages_deferred_total")
	MessagesDropped   = expvar.NewMap("delivery_messages_dropped_total")
	queueDepth        = expvar.NewInt("delivery_queue_depth")
	circuitState      = expvar.NewString("delivery_circuit_state")
	sessionsActive    = expvar.NewInt("smtp_sessions_active")
)

func init() {
	circuitState.Set(resilience.CircuitClosed.String())
}

// Recorder publishes engine telemetry through expvar.
type Recorder struct{}

var _ resilience.Metrics = Recorder{}

func (Recorder) AddDelivered(n int)  { MessagesDelivered.Add(int64(n)) }
func (Recorder) AddFailures(n int)   { DeliveryFailures.Add(int64(n)) }
func (Recorder) AddRejected(n int)   { BreakerRejections.Add(int64(n)) }
func (Recorder) AddDeferred(n int)   { MessagesDeferred.Add(int64(n)) }
func (Recorder) SetQueueDepth(n int) { SetQueueDepth(n) }

func (Recorder) AddDropped(reason resilience.DropReason, n int) {
	MessagesDropped.Add(string(reason), int64(n))
}

func (Recorder) SetCircuitState(state resilience.CircuitState) {
	circuitState.Set(state.String())
}

// SetQueueDepth records the current deferred queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(int64(n))
}

// QueueDepth returns the last recorded queue depth.
func QueueDepth() int64 {
	return queueDepth.Value()
}

// CircuitState returns the last recorded breaker state.
func CircuitState() string {
	return circuitState.Value()
}

// IncSessions increments the active session count.
func IncSessions() {
	sessionsActive.Add(1)
}

// DecSessions decrements the active session count.
func DecSessions() {
	sessionsActive.Add(-1)
}

// ResetForTests clears counters; intended for use in tests only.
func ResetForTests() {
	MessagesAccepted.Set(0)
	MessagesDelivered.Set(0)
	DeliveryFailures.Set(0)
	BreakerRejections.Set(0)
	MessagesDeferred.Set(0)
	MessagesDropped.Init()
	queueDepth.Set(0)
	circuitState.Set(resilience.CircuitClosed.String())
	sessionsActive.Set(0)
}
