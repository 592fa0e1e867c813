package worker

import (
	"context"
	"errors"
	"time"

	"opsync/internal/events"
	"opsync/internal/executor"
	"opsync/internal/metrics"
	"opsync/internal/models"
)

// dispatch drives one owner's queue until it drains or ctx ends. At most one
// dispatch runs per owner, so its operations never execute concurrently.
func (q *Queue) dispatch(ctx context.Context, oq *ownerQueue) {
	defer func() {
		q.mu.Lock()
		oq.running = false
		q.mu.Unlock()
	}()

	for {
		batch, exec, gen, wait, ok := q.next(oq)
		if !ok {
			return
		}
		if wait > 0 {
			if !q.sleep(ctx, oq, wait) {
				return
			}
			continue
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		outcome := q.execute(ctx, exec, batch)
		q.sem.Release(1)

		q.apply(ctx, oq, gen, batch, outcome)
	}
}

// next picks the batch to run, or how long to wait before the head is
// runnable. ok is false once the owner has nothing left.
func (q *Queue) next(oq *ownerQueue) (batch []*models.Operation, exec executor.Executor, gen int, wait time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(oq.ops) == 0 {
		// retire under the lock so a concurrent Enqueue starts a new dispatcher
		oq.running = false
		if q.owners[oq.key] == oq {
			delete(q.owners, oq.key)
		}
		return nil, nil, 0, 0, false
	}

	now := q.clock.Now()
	wait = oq.dueAt.Sub(now)
	if d := oq.retryAt.Sub(now); d > wait {
		wait = d
	}
	head := oq.ops[0]
	if wait <= 0 && q.tracker != nil {
		// the record was just created here; give the backend time to see it
		wait = q.tracker.AccessibleIn(head.TargetRecord())
	}
	if wait > 0 {
		return nil, nil, oq.generation, wait, true
	}

	exec, _ = q.executors.Lookup(head.Kind)
	batch = []*models.Operation{head}
	if exec != nil {
		if key := exec.GroupKey(head); key != "" {
			for _, op := range oq.ops[1:] {
				if len(batch) >= q.cfg.MaxBatchSize {
					break
				}
				other, found := q.executors.Lookup(op.Kind)
				if !found || other != exec || exec.GroupKey(op) != key {
					break
				}
				batch = append(batch, op)
			}
		}
	}
	return batch, exec, oq.generation, 0, true
}

func (q *Queue) sleep(ctx context.Context, oq *ownerQueue, d time.Duration) bool {
	timer := q.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
	case <-oq.wake:
	}
	return true
}

func (q *Queue) execute(ctx context.Context, exec executor.Executor, batch []*models.Operation) models.Outcome {
	if exec == nil {
		return models.Fail(models.FailInvalidInput, errors.New("no executor for "+batch[0].Kind))
	}
	start := q.clock.Now()
	outcome := exec.Execute(ctx, batch)
	q.logger.Debug().
		Str("owner", batch[0].OwnerKey).
		Str("kind", batch[0].Kind).
		Int("batch", len(batch)).
		Str("outcome", outcome.String()).
		Dur("dur", q.clock.Since(start)).
		Msg("executed")
	return outcome
}

// apply moves the queue forward according to outcome.
func (q *Queue) apply(ctx context.Context, oq *ownerQueue, gen int, batch []*models.Operation, outcome models.Outcome) {
	// bookkeeping must land even when shutdown cancelled the call
	storeCtx := context.WithoutCancel(ctx)
	head := batch[0]

	for _, op := range batch {
		metrics.IncOutcome(op.Kind, outcome.Kind.String(), outcome.Reason())
	}

	q.mu.Lock()
	if oq.generation != gen {
		q.mu.Unlock()
		q.logger.Debug().Str("owner", oq.key).Msg("owner discarded during dispatch, outcome ignored")
		return
	}

	switch outcome.Kind {
	case models.OutcomeRetry:
		attempt := head.Attempt + 1
		delay := q.cfg.Retry.Delay(attempt, outcome.RetryAfter)
		retryAt := q.clock.Now().Add(delay)
		oq.retryAt = retryAt
		lastErr := errString(outcome.Err)
		for _, op := range batch {
			op.Attempt = attempt
			op.NextAttemptAt = &retryAt
			op.LastError = lastErr
			if err := q.store.Update(storeCtx, op); err != nil {
				q.logger.Error().Err(err).Str("op", op.String()).Msg("persist retry state")
			}
		}
		q.mu.Unlock()

		metrics.ObserveRetryDelay(delay.Seconds())
		q.logger.Warn().
			Str("owner", oq.key).
			Str("kind", head.Kind).
			Str("reason", string(outcome.RetryReason)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(outcome.Err).
			Msg("operation will be retried")
		q.publish(events.EventOperationRetry, events.OperationEventPayload{
			OperationID:  head.ID,
			Kind:         head.Kind,
			OwnerKey:     head.OwnerKey,
			Outcome:      outcome.Kind.String(),
			Reason:       outcome.Reason(),
			Attempt:      attempt,
			RetryAfterMs: delay.Milliseconds(),
			Error:        lastErr,
		})
		return

	default:
		oq.ops = oq.ops[len(batch):]
		oq.retryAt = time.Time{}
		ids := make([]string, len(batch))
		for i, op := range batch {
			ids[i] = op.ID
		}
		if err := q.store.Remove(storeCtx, ids...); err != nil {
			q.logger.Error().Err(err).Strs("ids", ids).Msg("remove finished operations")
		}
		if len(outcome.Followups) > 0 {
			q.prependLocked(storeCtx, oq, outcome.Followups)
		}
		q.setPendingLocked()
		q.mu.Unlock()
	}

	if outcome.Kind == models.OutcomeSuccess {
		if outcome.Offset != nil && q.consistency != nil {
			q.consistency.SetOffset(head.OwnerKey, outcome.Offset.Kind, outcome.Offset.Token)
		}
		for _, op := range batch {
			q.publish(events.EventOperationApplied, events.OperationEventPayload{
				OperationID: op.ID, Kind: op.Kind, OwnerKey: op.OwnerKey, Outcome: outcome.Kind.String(),
			})
		}
		return
	}

	q.logger.Error().
		Str("owner", oq.key).
		Str("kind", head.Kind).
		Str("reason", string(outcome.FailReason)).
		Int("followups", len(outcome.Followups)).
		Err(outcome.Err).
		Msg("operation failed")
	for _, op := range batch {
		q.publish(events.EventOperationFailed, events.OperationEventPayload{
			OperationID: op.ID,
			Kind:        op.Kind,
			OwnerKey:    op.OwnerKey,
			Outcome:     outcome.Kind.String(),
			Reason:      outcome.Reason(),
			Error:       errString(outcome.Err),
		})
	}
}

// prependLocked puts ops at the head of their owners' queues, keeping their
// relative order, and makes those owners due immediately.
func (q *Queue) prependLocked(ctx context.Context, current *ownerQueue, ops []*models.Operation) {
	byOwner := make(map[string][]*models.Operation)
	var order []string
	for _, op := range ops {
		if _, seen := byOwner[op.OwnerKey]; !seen {
			order = append(order, op.OwnerKey)
		}
		byOwner[op.OwnerKey] = append(byOwner[op.OwnerKey], op)
	}

	now := q.clock.Now()
	for _, owner := range order {
		group := byOwner[owner]
		// lowSeq counts down so the earliest follow-up gets the lowest seq
		for i := len(group) - 1; i >= 0; i-- {
			group[i].Seq = q.lowSeq
			q.lowSeq--
		}
		kept := group[:0]
		for _, op := range group {
			if op.CreatedAt.IsZero() {
				op.CreatedAt = now.UTC()
			}
			if err := q.store.Append(ctx, op); err != nil {
				q.logger.Error().Err(err).Str("op", op.String()).Msg("persist follow-up operation")
				continue
			}
			kept = append(kept, op)
			metrics.IncEnqueued(op.Kind)
		}

		oq := current
		if owner != current.key {
			oq = q.ownerLocked(owner)
		}
		oq.ops = append(append([]*models.Operation(nil), kept...), oq.ops...)
		oq.dueAt = now
		if oq != current {
			q.kickLocked(oq)
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
