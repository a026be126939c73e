package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postguard/queue"
)

var errSMTP = errors.New("smtp unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedTransport returns results[i] for the i-th call and fallback after that.
type scriptedTransport struct {
	mu       sync.Mutex
	results  []error
	fallback error
	sent     []string
}

func (s *scriptedTransport) Send(_ context.Context, msg queue.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.sent)
	s.sent = append(s.sent, msg.ID)
	if idx < len(s.results) {
		return s.results[idx]
	}
	return s.fallback
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *scriptedTransport) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *scriptedTransport) SetFallback(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = err
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type recordingMetrics struct {
	mu          sync.Mutex
	delivered   int
	failures    int
	rejected    int
	deferred    int
	dropped     map[DropReason]int
	depth       int
	transitions []CircuitState
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{dropped: make(map[DropReason]int)}
}

func (m *recordingMetrics) AddDelivered(n int) {
	m.mu.Lock()
	m.delivered += n
	m.mu.Unlock()
}

func (m *recordingMetrics) AddFailures(n int) {
	m.mu.Lock()
	m.failures += n
	m.mu.Unlock()
}

func (m *recordingMetrics) AddRejected(n int) {
	m.mu.Lock()
	m.rejected += n
	m.mu.Unlock()
}

func (m *recordingMetrics) AddDeferred(n int) {
	m.mu.Lock()
	m.deferred += n
	m.mu.Unlock()
}

func (m *recordingMetrics) SetQueueDepth(n int) {
	m.mu.Lock()
	m.depth = n
	m.mu.Unlock()
}

func (m *recordingMetrics) AddDropped(reason DropReason, n int) {
	m.mu.Lock()
	m.dropped[reason] += n
	m.mu.Unlock()
}

func (m *recordingMetrics) SetCircuitState(state CircuitState) {
	m.mu.Lock()
	m.transitions = append(m.transitions, state)
	m.mu.Unlock()
}

func (m *recordingMetrics) Transitions() []CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CircuitState(nil), m.transitions...)
}

type testEngine struct {
	*Engine
	clock   *fakeClock
	sleeper *recordingSleeper
	metrics *recordingMetrics

	dropMu sync.Mutex
	drops  []DropReason
}

func (te *testEngine) Drops() []DropReason {
	te.dropMu.Lock()
	defer te.dropMu.Unlock()
	return append([]DropReason(nil), te.drops...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, transport Transport, opts ...Option) *testEngine {
	t.Helper()
	te := &testEngine{
		clock:   newFakeClock(),
		sleeper: &recordingSleeper{},
		metrics: newRecordingMetrics(),
	}
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(te.clock.Now),
		WithSleeper(te.sleeper.Sleep),
		WithMetrics(te.metrics),
		WithDropHandler(func(_ queue.PendingDelivery, reason DropReason) {
			te.dropMu.Lock()
			te.drops = append(te.drops, reason)
			te.dropMu.Unlock()
		}),
	}
	engine, err := New(cfg, transport, append(base, opts...)...)
	require.NoError(t, err)
	te.Engine = engine
	return te
}

func message(id string) queue.Message {
	return queue.Message{
		ID:      id,
		From:    "sender@example.com",
		To:      []string{"rcpt@example.net"},
		Payload: queue.NewPayload([]byte("body")),
	}
}

// gatedTransport blocks each Send until the test releases that message ID.
type gatedTransport struct {
	mu      sync.Mutex
	gates   map[string]chan error
	entered chan string
}

func newGatedTransport() *gatedTransport {
	return &gatedTransport{gates: make(map[string]chan error), entered: make(chan string, 8)}
}

func (g *gatedTransport) gate(id string) chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[id]
	if !ok {
		ch = make(chan error, 1)
		g.gates[id] = ch
	}
	return ch
}

func (g *gatedTransport) Send(ctx context.Context, msg queue.Message) error {
	g.entered <- msg.ID
	select {
	case err := <-g.gate(msg.ID):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedTransport) Release(id string, err error) {
	g.gate(id) <- err
}

func (g *gatedTransport) AwaitEntered(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-g.entered:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("transport never received %s", id)
	}
}

func sendAsync(te *testEngine, msg queue.Message) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- te.SendWithRetry(context.Background(), msg)
	}()
	return out
}

func awaitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("send did not finish")
		return Result{}
	}
}

func (m *recordingMetrics) Delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered
}
