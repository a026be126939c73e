package resilience

import (
	"context"
	"errors"

	"postguard/queue"
)

// ProcessQueue drains up to MaxQueueBatchSize pending deliveries, making one
// transport call per item without backoff. It returns the number delivered.
//
// While the breaker is open and cooling down the queue is left untouched. If
// the breaker rejects an item mid-batch, that item and the rest of the batch
// go back to the head of the queue unattempted. A done ctx stops the batch the
// same way. Expired and exhausted items are dropped, never returned as errors.
func (e *Engine) ProcessQueue(ctx context.Context) int {
	e.mu.Lock()
	if e.breaker.coolingDown(e.clock()) {
		e.mu.Unlock()
		return 0
	}
	batch := e.queue.PopN(e.cfg.MaxQueueBatchSize)
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	processed := 0
	for i, item := range batch {
		if err := ctx.Err(); err != nil {
			e.logger.Info("deferred queue processing interrupted",
				"processed", processed, "restored", len(batch)-i, "err", err)
			e.restore(batch[i:])
			break
		}

		if item.Age(e.clock()) > e.cfg.MaxQueueLifetime {
			e.discard(item, DropExpired, nil)
			continue
		}

		decision := e.Allow()
		if !decision.Allowed {
			e.logger.Info("deferred queue processing paused by circuit breaker",
				"state", decision.State.String(), "restored", len(batch)-i)
			e.restore(batch[i:])
			break
		}

		err := invoke(ctx, e.transport, item.Message)
		if err == nil {
			e.recordOutcome(decision, true, true)
			processed++
			continue
		}
		if ctx.Err() != nil {
			e.releaseProbe(decision)
			e.restore(batch[i:])
			break
		}

		e.recordOutcome(decision, false, false)
		item.Attempts++
		item.LastError = err.Error()
		if item.Attempts >= e.cfg.MaxQueueAttempts {
			e.discard(item, DropAttemptsExhausted, err)
			continue
		}
		e.requeue(item, err)
	}

	e.metrics.SetQueueDepth(e.QueueCount())
	e.logger.Debug("deferred queue processed", "batch", len(batch), "processed", processed)
	return processed
}

func (e *Engine) discard(item queue.PendingDelivery, reason DropReason, cause error) {
	e.mu.Lock()
	e.countDropLocked(reason, 1)
	e.mu.Unlock()
	e.reportDrop(item, reason, cause)
}

func (e *Engine) requeue(item queue.PendingDelivery, cause error) {
	e.mu.Lock()
	ok := e.queue.Push(item)
	if !ok {
		e.countDropLocked(DropQueueFull, 1)
	}
	e.mu.Unlock()

	if !ok {
		e.reportDrop(item, DropQueueFull, errors.Join(queue.ErrQueueFull, cause))
		return
	}
	e.logger.Debug("deferred message requeued",
		"message_id", item.Message.ID, "attempts", item.Attempts, "err", cause)
}

func (e *Engine) restore(items []queue.PendingDelivery) {
	e.mu.Lock()
	overflow := e.queue.Restore(items)
	e.countDropLocked(DropQueueFull, len(overflow))
	e.mu.Unlock()

	for _, item := range overflow {
		e.reportDrop(item, DropQueueFull, queue.ErrQueueFull)
	}
}
