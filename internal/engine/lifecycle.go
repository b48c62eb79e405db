package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/outbox"
	"fleetline/internal/status"
)

// cleanup stops everything still scheduled for a task that reached a terminal state.
func (e *Engine) cleanup(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	if e.Scheduler != nil {
		if _, err := e.Scheduler.CancelRef(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	if e.Verifier != nil {
		if err := e.Verifier.CancelTask(ctx, tx, t.ID); err != nil {
			return err
		}
	}
	t.DispatchState = domain.DispatchIdle
	return nil
}

// Cancel stops a task wherever it is. Cancelling a terminal task changes nothing.
func (e *Engine) Cancel(ctx context.Context, id, actor string) (domain.Task, error) {
	noop := false
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if t.Status.Terminal() {
			noop = true
			return false, nil
		}
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		previous := t.AssignedWorker
		if err := e.release(ctx, tx, t, "cancelled"); err != nil {
			return false, err
		}
		if e.Outbox != nil {
			n, err := e.Outbox.CancelTask(ctx, tx, t.ID)
			if err != nil {
				return false, err
			}
			if n > 0 {
				e.Logger.Info("pending ops cancelled", "task_id", t.ID, "ops", n)
			}
		}
		if err := e.cleanup(ctx, tx, t); err != nil {
			return false, err
		}
		if err := e.transition(ctx, tx, t, domain.StatusCancelled, actor); err != nil {
			return false, err
		}
		if previous != nil {
			if err := e.message(ctx, tx, *t, t.ID+":cancel", *previous, domain.ContentCancel,
				"cancel task "+t.ID, map[string]any{"reason": "cancelled by " + actor}); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if noop {
		return task, nil
	}
	if _, err := e.Drain(ctx); err != nil {
		e.Logger.Error("drain after cancel", "task_id", id, "err", err)
	}
	return task, nil
}

// Transition applies a manual lifecycle move. Moving to blocked or a terminal state
// frees the worker.
func (e *Engine) Transition(ctx context.Context, id string, to domain.Status, actor string) (domain.Task, error) {
	if to == domain.StatusCancelled {
		return e.Cancel(ctx, id, actor)
	}
	if !to.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, to)
	}
	freed := false
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if to == domain.StatusBlocked || to.Terminal() {
			// Check the gates before touching the worker so a rejected move leaves no trace.
			if err := status.Check(t.Status, to, t.BlockedFrom); err != nil {
				return false, e.transition(ctx, tx, t, to, actor)
			}
			if to == domain.StatusDone {
				if err := status.CheckClosure(t.Kind, t.Evidence); err != nil {
					return false, e.transition(ctx, tx, t, to, actor)
				}
			}
			e.dispatchMu.Lock()
			defer e.dispatchMu.Unlock()
			freed = t.AssignedWorker != nil || len(t.Resources) > 0
			if err := e.release(ctx, tx, t, "manual "+string(to)); err != nil {
				return false, err
			}
			t.DispatchState = domain.DispatchIdle
		}
		if err := e.transition(ctx, tx, t, to, actor); err != nil {
			return false, err
		}
		if to.Terminal() {
			if err := e.cleanup(ctx, tx, t); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if freed {
		if _, err := e.Drain(ctx); err != nil {
			e.Logger.Error("drain after transition", "task_id", id, "err", err)
		}
	}
	return task, nil
}

// Unblock returns a blocked task to the state it was paused in. Work that was never
// finished goes back to the wait queue.
func (e *Engine) Unblock(ctx context.Context, id, actor string) (domain.Task, error) {
	requeued := false
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if t.Status != domain.StatusBlocked || t.BlockedFrom == nil {
			return false, &domain.InvalidTransitionError{From: t.Status, To: t.Status}
		}
		if err := e.transition(ctx, tx, t, *t.BlockedFrom, actor); err != nil {
			return false, err
		}
		if (t.Status == domain.StatusTodo || t.Status == domain.StatusInProgress) && t.AssignedWorker == nil {
			t.DispatchState = domain.DispatchWaiting
			requeued = true
		}
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if requeued {
		if _, err := e.Drain(ctx); err != nil {
			e.Logger.Error("drain after unblock", "task_id", id, "err", err)
		}
		return e.Repo.GetTask(ctx, nil, id)
	}
	return task, nil
}

// AttachEvidence merges closure evidence into the task. Reproduction attempts accumulate.
func (e *Engine) AttachEvidence(ctx context.Context, id string, ev domain.Evidence, actor string) (domain.Task, error) {
	for i := range ev.FailedRepros {
		r := &ev.FailedRepros[i]
		r.By = strings.TrimSpace(r.By)
		if r.By == "" {
			r.By = actor
		}
		if r.By == "" {
			return domain.Task{}, fmt.Errorf("%w: reproduction attempt needs an author", domain.ErrValidation)
		}
		if r.At.IsZero() {
			r.At = e.now()
		}
	}
	return e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if t.Status.Terminal() {
			return false, fmt.Errorf("%w: task %s is %s", domain.ErrValidation, t.ID, t.Status)
		}
		cur := domain.Evidence{}
		if t.Evidence != nil {
			cur = *t.Evidence
		}
		if ev.LinkedPR != "" {
			cur.LinkedPR = ev.LinkedPR
		}
		cur.PRMerged = cur.PRMerged || ev.PRMerged
		cur.VerifiedFix = cur.VerifiedFix || ev.VerifiedFix
		cur.FailedRepros = append(cur.FailedRepros, ev.FailedRepros...)
		t.Evidence = &cur
		return true, e.Events.Append(ctx, tx, "task.evidence", "task", t.ID, actor, events.EventPayload{
			"linked_pr": cur.LinkedPR, "pr_merged": cur.PRMerged, "verified_fix": cur.VerifiedFix,
			"failed_repros": len(cur.FailedRepros),
		})
	})
}

// MarkVerified records a completed verification run, which opens the merge_release edge.
// Only the task's latest run counts; a ready report from a superseded run is ignored.
func (e *Engine) MarkVerified(ctx context.Context, taskID, runID string) error {
	_, err := e.withTask(ctx, taskID, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if t.Status.Terminal() {
			return false, nil
		}
		latest, state, err := e.Repo.LatestVerification(ctx, tx, taskID)
		if err != nil && !isNotFound(err) {
			return false, err
		}
		if latest != runID || state != runReady {
			e.Logger.Info("stale verification ignored", "task_id", taskID, "run_id", runID, "latest_run", latest, "latest_state", state)
			return false, nil
		}
		now := e.now()
		t.VerifiedAt = &now
		return true, e.Events.Append(ctx, tx, "task.verified", "task", t.ID, "", events.EventPayload{"run_id": runID})
	})
	if err == nil {
		e.Logger.Info("task verified", "task_id", taskID, "run_id", runID)
	}
	return err
}

// SweepStale flags the tickets of tasks nobody touched for router.stale_after. It only
// adds labels; nothing is closed. The idempotency key includes the last update so a task
// is flagged once per idle period.
func (e *Engine) SweepStale(ctx context.Context) (int, error) {
	if e.Outbox == nil {
		return 0, nil
	}
	stale, err := e.Repo.ListStale(ctx, nil, e.now().Add(-e.Config.Router.StaleAfter.D()))
	if err != nil {
		return 0, err
	}
	flagged := 0
	for _, t := range stale {
		label := status.LabelNeedsAttention
		if t.Status == domain.StatusHumanReview {
			label = status.LabelAwaitingResponse
		}
		key := fmt.Sprintf("%s:stale:%d", t.ID, t.UpdatedAt.Unix())
		op, err := outbox.NewTicket(outbox.KindTicketAddLabel, key, t.ID, domain.PriorityLow,
			outbox.TicketPayload{Ref: t.TicketRef, Label: label})
		if err != nil {
			return flagged, err
		}
		_, created, err := e.Outbox.Enqueue(ctx, nil, op)
		if err != nil {
			return flagged, err
		}
		if !created {
			continue
		}
		flagged++
		e.Logger.Info("stale task flagged", "task_id", t.ID, "ticket_ref", t.TicketRef, "label", label)
		if err := e.Events.Append(ctx, e.DB, "task.stale", "task", t.ID, "", events.EventPayload{"label": label}); err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}
