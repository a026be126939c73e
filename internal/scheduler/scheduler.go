// Package scheduler drains the deferred queue on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Processor is implemented by *resilience.Engine.
type Processor interface {
	ProcessQueue(ctx context.Context) int
	QueueCount() int
}

// Scheduler calls ProcessQueue every interval until stopped. Runs never
// overlap.
type Scheduler struct {
	proc     Processor
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(proc Processor, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{proc: proc, interval: interval, logger: logger}
}

// Start launches the loop in a background goroutine. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop cancels any run in progress and waits for the loop to exit. Items the
// interrupted run had not attempted stay queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce drains one batch immediately.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	start := time.Now()
	n := s.proc.ProcessQueue(ctx)
	if n > 0 {
		s.logger.Info("deferred queue processed",
			"delivered", n,
			"remaining", s.proc.QueueCount(),
			"took", time.Since(start).Round(time.Millisecond).String())
	}
	return n
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
