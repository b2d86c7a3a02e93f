package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/semantest/docs-sub005/internal/errs"
	"github.com/semantest/docs-sub005/internal/events"
)

// storeTimeout bounds the bookkeeping writes that follow an attempt.
// They run detached from the attempt context so a cancelled attempt is
// still recorded.
const storeTimeout = 10 * time.Second

func (q *Queue) worker(id string) {
	defer q.wg.Done()
	log := q.logger.With("worker", id)

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		it, err := q.store.Claim(q.runCtx, id, q.lanes(), q.now())
		switch {
		case errors.Is(err, ErrEmpty):
			q.idle()
			continue
		case err != nil:
			log.Warn("claim failed", "error", err)
			q.idle()
			continue
		}

		// More work may be waiting; let another idle worker look.
		q.signal()
		q.process(id, it)
	}
}

// lanes returns the claim order for the next claim.
func (q *Queue) lanes() []Priority {
	n := q.claims.Add(1)
	if q.cfg.LaneQuota > 0 && n%uint64(q.cfg.LaneQuota) == 0 {
		return []Priority{PriorityNormal, PriorityLow, PriorityHigh}
	}
	return Lanes
}

func (q *Queue) idle() {
	t := time.NewTimer(q.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-q.stop:
	case <-q.wake:
	case <-t.C:
	}
}

func (q *Queue) process(workerID string, it *Item) {
	q.busy.Add(1)
	defer q.busy.Add(-1)

	ctx, cancel := context.WithCancelCause(q.runCtx)
	q.mu.Lock()
	q.running[it.ID] = cancel
	cancelledEarly := q.early.Contains(it.ID)
	if cancelledEarly {
		q.early.Remove(it.ID)
	}
	q.mu.Unlock()
	if cancelledEarly {
		cancel(ErrCancelled)
	}

	attemptCtx := ctx
	if q.cfg.AttemptTimeout > 0 {
		var stop context.CancelFunc
		attemptCtx, stop = context.WithTimeout(ctx, q.cfg.AttemptTimeout)
		defer stop()
	}

	start := time.Now()
	var result json.RawMessage
	var err error
	if cancelledEarly {
		err = ErrCancelled
	} else {
		result, err = q.safeExecute(attemptCtx, it)
	}
	elapsed := time.Since(start)
	cause := context.Cause(ctx)

	q.mu.Lock()
	delete(q.running, it.ID)
	q.mu.Unlock()
	cancel(nil)

	sctx, scancel := context.WithTimeout(context.Background(), storeTimeout)
	defer scancel()

	log := q.logger.With("worker", workerID, "id", it.ID, "type", it.Type, "attempt", it.Attempts+1)

	switch {
	case err == nil:
		if aerr := q.store.Ack(sctx, it.ID, workerID); aerr != nil {
			log.Error("ack job", "error", aerr)
			return
		}
		it.Status = StatusCompleted
		q.finish(it)
		q.metrics.JobAttempt("completed", elapsed)
		log.Debug("job completed", "elapsed", elapsed)
		q.publish(events.TypeItemCompleted, it, ItemEvent{Item: it, Result: result})

	case errors.Is(cause, ErrCancelled):
		if aerr := q.store.Ack(sctx, it.ID, workerID); aerr != nil {
			log.Error("remove cancelled job", "error", aerr)
			return
		}
		it.Status = StatusCancelled
		q.finish(it)
		q.metrics.JobAttempt("cancelled", elapsed)
		log.Info("in-flight job cancelled")
		q.publish(events.TypeItemCancelled, it, ItemEvent{Item: it})

	case errors.Is(cause, errShutdown):
		q.release(sctx, log, it, workerID, Release{
			Status:   StatusPending,
			Attempts: it.Attempts,
		})
		log.Info("in-flight job returned to pending for shutdown")

	case IsDeferred(err):
		q.release(sctx, log, it, workerID, Release{
			Status:      StatusPending,
			Attempts:    it.Attempts,
			NextRetryAt: q.now().Add(q.cfg.HoldDelay),
			LastError:   err.Error(),
		})
		q.metrics.JobAttempt("deferred", elapsed)
		log.Debug("job held", "delay", q.cfg.HoldDelay, "reason", err)

	case errs.IsValidation(err) || errs.IsAddonUnavailable(err):
		q.deadLetter(sctx, log, it, workerID, it.Attempts+1, err)
		q.metrics.JobAttempt("deadlettered", elapsed)

	default:
		attempts := it.Attempts + 1
		if attempts >= it.MaxAttempts {
			q.deadLetter(sctx, log, it, workerID, attempts, err)
			q.metrics.JobAttempt("deadlettered", elapsed)
			return
		}
		delay := q.backoff.Delay(attempts, q.rand)
		if !q.release(sctx, log, it, workerID, Release{
			Status:      StatusFailed,
			Attempts:    attempts,
			NextRetryAt: q.now().Add(delay),
			LastError:   err.Error(),
			ErrorKind:   errs.KindOf(err).String(),
		}) {
			return
		}
		q.metrics.JobAttempt("retried", elapsed)
		log.Warn("job attempt failed, will retry", "error", err, "retry_in", delay)
		it.Attempts = attempts
		it.Status = StatusFailed
		it.LastError = err.Error()
		q.publish(events.TypeItemRetrying, it, ItemEvent{
			Item:      it,
			Error:     err.Error(),
			ErrorKind: errs.KindOf(err).String(),
		})
	}
}

func (q *Queue) release(ctx context.Context, log *slog.Logger, it *Item, workerID string, r Release) bool {
	if err := q.store.Nack(ctx, it.ID, workerID, r); err != nil {
		log.Error("release job", "status", r.Status, "error", err)
		return false
	}
	if r.NextRetryAt.IsZero() {
		q.signal()
	}
	return true
}

func (q *Queue) deadLetter(ctx context.Context, log *slog.Logger, it *Item, workerID string, attempts int, cause error) {
	kind := errs.KindOf(cause).String()
	if !q.release(ctx, log, it, workerID, Release{
		Status:    StatusDeadLettered,
		Attempts:  attempts,
		LastError: cause.Error(),
		ErrorKind: kind,
	}) {
		return
	}
	log.Warn("job dead-lettered", "error", cause, "kind", kind, "attempts", attempts)

	it.Status = StatusDeadLettered
	it.Attempts = attempts
	it.LastError = cause.Error()
	it.ErrorKind = kind
	it.Owner = ""
	q.publish(events.TypeItemDeadLettered, it, ItemEvent{
		Item:      it,
		Error:     cause.Error(),
		ErrorKind: kind,
	})
}

// safeExecute runs the executor, turning a panic into a transient
// error so one bad job cannot take a worker down.
func (q *Queue) safeExecute(ctx context.Context, it *Item) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Transient("queue.execute", fmt.Errorf("panic: %v", r))
		}
	}()
	return q.execute(ctx, it.Clone())
}
