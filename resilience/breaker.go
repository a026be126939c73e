package resilience

import "time"

// CircuitState is the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Transport calls proceed.
	CircuitOpen                         // Transport calls are rejected until the cool-down ends.
	CircuitHalfOpen                     // A single probe is testing recovery.
)

const (
	ReasonCircuitOpen               = "circuit_open"
	ReasonCircuitHalfOpenProbeLimit = "circuit_half_open_probe_limit"
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Decision is the answer to Allow.
type Decision struct {
	Allowed bool
	State   CircuitState
	// Probe is set when the caller holds the single half-open probe slot.
	Probe  bool
	Reason string
}

// transition records a state change so it can be logged after unlocking.
type transition struct {
	from, to CircuitState
	changed  bool
}

// breaker is the consecutive-failure state machine. It has no lock of its
// own: every method runs under Engine.mu.
type breaker struct {
	threshold int
	cooldown  time.Duration

	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	lastOkAt time.Time
}

func newBreaker(threshold int, cooldown time.Duration) breaker {
	return breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
	}
}

// coolingDown reports whether the breaker is open and still inside its cool-down.
func (b *breaker) coolingDown(now time.Time) bool {
	return b.state == CircuitOpen && now.Sub(b.openedAt) < b.cooldown
}

func (b *breaker) allow(now time.Time) (Decision, transition) {
	switch b.state {
	case CircuitOpen:
		if b.coolingDown(now) {
			return Decision{State: CircuitOpen, Reason: ReasonCircuitOpen}, transition{}
		}
		tr := b.moveTo(CircuitHalfOpen, now)
		b.probing = true
		return Decision{Allowed: true, State: CircuitHalfOpen, Probe: true}, tr
	case CircuitHalfOpen:
		if b.probing {
			return Decision{State: CircuitHalfOpen, Reason: ReasonCircuitHalfOpenProbeLimit}, transition{}
		}
		b.probing = true
		return Decision{Allowed: true, State: CircuitHalfOpen, Probe: true}, transition{}
	default:
		return Decision{Allowed: true, State: CircuitClosed}, transition{}
	}
}

// recordSuccess and recordFailure take probe to tell the half-open probe's
// outcome apart from calls admitted before the circuit opened. Only the probe
// moves the breaker out of half-open.
func (b *breaker) recordSuccess(now time.Time, probe bool) transition {
	b.failures = 0
	b.lastOkAt = now
	if b.state == CircuitHalfOpen && probe {
		return b.moveTo(CircuitClosed, now)
	}
	// A late success while open does not close the circuit; only a probe can.
	return transition{}
}

func (b *breaker) recordFailure(now time.Time, probe bool) transition {
	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.threshold {
			return b.moveTo(CircuitOpen, now)
		}
	case CircuitHalfOpen:
		if probe {
			return b.moveTo(CircuitOpen, now)
		}
	}
	return transition{}
}

// releaseProbe frees the half-open slot when a probe ends without an outcome.
func (b *breaker) releaseProbe() {
	if b.state == CircuitHalfOpen {
		b.probing = false
	}
}

func (b *breaker) moveTo(state CircuitState, now time.Time) transition {
	tr := transition{from: b.state, to: state, changed: b.state != state}
	b.state = state
	switch state {
	case CircuitClosed:
		b.openedAt = time.Time{}
		b.probing = false
	case CircuitOpen:
		b.openedAt = now
		b.probing = false
	case CircuitHalfOpen:
		b.probing = false
	}
	return tr
}
