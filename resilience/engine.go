// Package resilience wraps a message transport with retries, a circuit
// breaker and a bounded deferred queue.
//
// All shared state lives in Engine and is guarded by a single mutex. The lock
// is never held across a transport call, a backoff sleep, a drop handler or a
// metrics call. The engine owns no goroutines: ProcessQueue runs on whatever
// goroutine the caller's scheduler uses.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"postguard/queue"
)

// ErrNilTransport is returned by New when no transport is supplied.
var ErrNilTransport = errors.New("resilience: nil transport")

// DropHandler observes messages the engine gives up on. It runs on the
// goroutine that dropped the message, without the engine lock held.
type DropHandler func(p queue.PendingDelivery, reason DropReason)

// Engine delivers messages through a Transport with retry, circuit breaking
// and deferred redelivery.
type Engine struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	metrics   Metrics
	onDrop    DropHandler
	clock     func() time.Time
	sleep     func(context.Context, time.Duration) error

	mu       sync.Mutex
	breaker  breaker
	queue    *queue.Deferred
	counters counters
}

type counters struct {
	delivered        int64
	deferred         int64
	rejected         int64
	droppedQueueFull int64
	droppedExpired   int64
	droppedExhausted int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithDropHandler registers a callback for lost messages.
func WithDropHandler(h DropHandler) Option {
	return func(e *Engine) {
		e.onDrop = h
	}
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithSleeper overrides how backoff delays are waited out, primarily for tests.
// The function must return ctx.Err() if the context ends first.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Engine) {
		e.sleep = sleep
	}
}

// New builds an Engine. Zero config fields take their defaults.
func New(cfg Config, transport Transport, opts ...Option) (*Engine, error) {
	if transport == nil {
		return nil, ErrNilTransport
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		breaker:   newBreaker(cfg.FailureThreshold, cfg.OpenDuration),
		queue:     queue.NewDeferred(cfg.MaxQueueSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.metrics == nil {
		e.metrics = NopMetrics{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.sleep == nil {
		e.sleep = sleepWithContext
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Allow asks the circuit breaker whether a transport call may proceed. An
// allowed decision in the half-open state makes the caller the probe, and the
// caller must report the outcome with RecordOutcome, passing the decision back.
func (e *Engine) Allow() Decision {
	e.mu.Lock()
	d, tr := e.breaker.allow(e.clock())
	if !d.Allowed {
		e.counters.rejected++
	}
	e.mu.Unlock()

	if !d.Allowed {
		e.metrics.AddRejected(1)
	}
	e.logTransition(tr)
	return d
}

// RecordOutcome feeds the result of a transport call admitted by d into the
// circuit breaker. While half-open only the probe's outcome moves the circuit;
// outcomes of calls admitted before it opened just update the counters. It
// does not count deliveries: Health.Delivered covers messages the engine sent
// itself.
func (e *Engine) RecordOutcome(d Decision, success bool) {
	e.recordOutcome(d, success, false)
}

func (e *Engine) recordOutcome(d Decision, success, delivered bool) {
	now := e.clock()

	e.mu.Lock()
	var tr transition
	if success {
		tr = e.breaker.recordSuccess(now, d.Probe)
		if delivered {
			e.counters.delivered++
		}
	} else {
		tr = e.breaker.recordFailure(now, d.Probe)
	}
	e.mu.Unlock()

	switch {
	case !success:
		e.metrics.AddFailures(1)
	case delivered:
		e.metrics.AddDelivered(1)
	}
	e.logTransition(tr)
}

func (e *Engine) releaseProbe(d Decision) {
	if !d.Probe {
		return
	}
	e.mu.Lock()
	e.breaker.releaseProbe()
	e.mu.Unlock()
}

// SendWithRetry delivers msg, retrying with exponential backoff. Failures are
// returned as a Result, never as a panic. With QueueOnFailure, exhausted and
// rejected sends are handed to the deferred queue; the Result still reports
// the failure.
func (e *Engine) SendWithRetry(ctx context.Context, msg queue.Message) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: StatusCanceled, Err: err}
	}

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.cfg.backoff(attempt - 1)
			if err := e.sleep(ctx, delay); err != nil {
				e.logger.Debug("delivery canceled during backoff", "message_id", msg.ID, "attempts", attempts)
				return Result{Status: StatusCanceled, Attempts: attempts, Err: err}
			}
		}

		decision := e.Allow()
		if !decision.Allowed {
			e.logger.Debug("delivery rejected by circuit breaker",
				"message_id", msg.ID, "state", decision.State.String(), "reason", decision.Reason)
			res := Result{Status: StatusUnavailable, Attempts: attempts, Err: unavailableError(lastErr)}
			return e.deferFailed(msg, res)
		}

		attempts++
		err := invoke(ctx, e.transport, msg)
		if err == nil {
			e.recordOutcome(decision, true, true)
			return Result{Status: StatusDelivered, Attempts: attempts}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			e.releaseProbe(decision)
			return Result{Status: StatusCanceled, Attempts: attempts, Err: ctxErr}
		}

		e.recordOutcome(decision, false, false)
		lastErr = err
		e.logger.Debug("delivery attempt failed",
			"message_id", msg.ID, "attempt", attempt, "max_attempts", e.cfg.MaxAttempts, "err", err)
	}

	res := Result{
		Status:   StatusExhausted,
		Attempts: attempts,
		Err:      &ExhaustedError{Attempts: attempts, Err: lastErr},
	}
	return e.deferFailed(msg, res)
}

func (e *Engine) deferFailed(msg queue.Message, res Result) Result {
	if !e.cfg.QueueOnFailure {
		return res
	}
	res.Queued = e.Enqueue(msg)
	return res
}

// Enqueue adds msg to the deferred queue as a new pending delivery. It
// returns false when the queue is full; the message is then dropped.
func (e *Engine) Enqueue(msg queue.Message) bool {
	p := queue.PendingDelivery{Message: msg, EnqueuedAt: e.clock()}

	e.mu.Lock()
	ok := e.queue.Push(p)
	if ok {
		e.counters.deferred++
	} else {
		e.countDropLocked(DropQueueFull, 1)
	}
	depth := e.queue.Len()
	e.mu.Unlock()

	e.metrics.SetQueueDepth(depth)
	if !ok {
		e.reportDrop(p, DropQueueFull, queue.ErrQueueFull)
		return false
	}
	e.metrics.AddDeferred(1)
	e.logger.Info("message deferred", "message_id", msg.ID, "queue_depth", depth)
	return true
}

// Dequeue removes up to maxCount pending deliveries in FIFO order.
func (e *Engine) Dequeue(maxCount int) []queue.PendingDelivery {
	e.mu.Lock()
	items := e.queue.PopN(maxCount)
	depth := e.queue.Len()
	e.mu.Unlock()

	if len(items) > 0 {
		e.metrics.SetQueueDepth(depth)
	}
	return items
}

// QueueCount returns the number of pending deliveries.
func (e *Engine) QueueCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *Engine) countDropLocked(reason DropReason, n int) {
	switch reason {
	case DropQueueFull:
		e.counters.droppedQueueFull += int64(n)
	case DropExpired:
		e.counters.droppedExpired += int64(n)
	case DropAttemptsExhausted:
		e.counters.droppedExhausted += int64(n)
	}
}

func (e *Engine) reportDrop(p queue.PendingDelivery, reason DropReason, cause error) {
	e.metrics.AddDropped(reason, 1)
	args := []any{
		"message_id", p.Message.ID,
		"reason", string(reason),
		"attempts", p.Attempts,
		"age", p.Age(e.clock()).Round(time.Millisecond).String(),
	}
	if cause != nil {
		args = append(args, "err", cause)
	}
	e.logger.Warn("deferred message dropped", args...)
	if e.onDrop != nil {
		e.onDrop(p, reason)
	}
}

func (e *Engine) logTransition(tr transition) {
	if !tr.changed {
		return
	}
	e.metrics.SetCircuitState(tr.to)
	switch tr.to {
	case CircuitOpen:
		e.logger.Warn("circuit opened",
			"from", tr.from.String(),
			"failure_threshold", e.cfg.FailureThreshold,
			"open_duration", e.cfg.OpenDuration.String())
	case CircuitHalfOpen:
		e.logger.Info("circuit half-open, admitting probe")
	case CircuitClosed:
		e.logger.Info("circuit closed", "from", tr.from.String())
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
