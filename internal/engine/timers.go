package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/schedule"
)

// HandleTimer reacts to ack timeouts, stall checks and deadlines.
func (e *Engine) HandleTimer(ctx context.Context, tm schedule.Timer) error {
	var mark stallMark
	if len(tm.Payload) > 0 {
		if err := json.Unmarshal(tm.Payload, &mark); err != nil {
			e.Logger.Warn("timer payload ignored", "kind", tm.Kind, "ref", tm.Ref, "err", err)
		}
	}
	var err error
	switch tm.Kind {
	case schedule.KindAckTimeout, schedule.KindStallCheck:
		err = e.checkLiveness(ctx, tm.Kind, tm.Ref, mark)
	case schedule.KindDeadline:
		err = e.deadlinePassed(ctx, tm.Ref)
	default:
		return fmt.Errorf("engine cannot handle %s timers", tm.Kind)
	}
	if errors.Is(err, domain.ErrNotFound) {
		e.Logger.Warn("timer for unknown task dropped", "kind", tm.Kind, "ref", tm.Ref)
		return nil
	}
	return err
}

// checkLiveness applies the state-based rule: the first silent interval earns a reminder,
// the second hands the task to another worker unless the progress watermark moved.
func (e *Engine) checkLiveness(ctx context.Context, kind schedule.Kind, id string, mark stallMark) error {
	handoff := false
	_, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if t.Status.Terminal() || t.AssignedWorker == nil {
			return false, nil
		}
		switch kind {
		case schedule.KindAckTimeout:
			if t.DispatchState != domain.DispatchAwaitingAck {
				return false, nil
			}
		case schedule.KindStallCheck:
			if t.DispatchState != domain.DispatchActive && t.DispatchState != domain.DispatchQueued {
				return false, nil
			}
		}
		since := t.DispatchedAt
		if mark.ProgressAt != "" {
			if at, err := db.ParseTime(mark.ProgressAt); err == nil {
				since = &at
			}
		}
		if t.ProgressAt != nil && (since == nil || t.ProgressAt.After(*since)) {
			t.AckMisses = 0
			return true, e.rearm(ctx, tx, kind, t)
		}
		if t.AckMisses == 0 {
			t.AckMisses = 1
			if err := e.remind(ctx, tx, kind, t); err != nil {
				return false, err
			}
			return true, e.rearm(ctx, tx, kind, t)
		}
		handoff = true
		return true, e.handOff(ctx, tx, t)
	})
	if err != nil || !handoff {
		return err
	}
	if _, err := e.Drain(ctx); err != nil {
		e.Logger.Error("drain after handoff", "task_id", id, "err", err)
	}
	return nil
}

func (e *Engine) rearm(ctx context.Context, tx *sql.Tx, kind schedule.Kind, t *domain.Task) error {
	if e.Scheduler == nil {
		return nil
	}
	if kind == schedule.KindStallCheck {
		return e.armStall(ctx, tx, t)
	}
	var mark stallMark
	if t.ProgressAt != nil {
		mark.ProgressAt = db.FormatTime(*t.ProgressAt)
	}
	return e.Scheduler.Arm(ctx, tx, schedule.KindAckTimeout, t.ID, e.now().Add(e.Config.Router.AckTimeout.D()), mark)
}

func (e *Engine) remind(ctx context.Context, tx *sql.Tx, kind schedule.Kind, t *domain.Task) error {
	key := fmt.Sprintf("%s:remind:%d", t.ID, t.AttemptCount)
	subject := "awaiting acknowledgement of " + t.ID
	if kind == schedule.KindStallCheck {
		key = fmt.Sprintf("%s:stall:%d:%d", t.ID, t.AttemptCount, e.now().Unix())
		subject = "no progress on " + t.ID
	}
	e.Logger.Warn("worker silent, reminder sent", "task_id", t.ID, "worker", *t.AssignedWorker, "check", kind)
	return e.message(ctx, tx, *t, key, *t.AssignedWorker, domain.ContentReminder, subject, map[string]any{
		"attempt": t.AttemptCount,
	})
}

// handOff declares the assigned worker unresponsive and returns the task to the queue
// with its partial progress.
func (e *Engine) handOff(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	e.dispatchMu.Lock()
	defer e.dispatchMu.Unlock()
	worker := *t.AssignedWorker
	if err := e.Repo.SetWorkerState(ctx, tx, worker, domain.WorkerUnresponsive, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "worker.unresponsive", "worker", worker, "", events.EventPayload{"task_id": t.ID}); err != nil {
		return err
	}
	if err := e.escalate(ctx, tx, escalation.KindWorkerUnresponsive, t, map[string]any{
		"attempt": t.AttemptCount,
	}); err != nil {
		return err
	}
	e.Logger.Warn("worker unresponsive, handing off", "task_id", t.ID, "worker", worker, "attempt", t.AttemptCount)
	if err := e.release(ctx, tx, t, "unresponsive"); err != nil {
		return err
	}
	return e.retryOrBlock(ctx, tx, t, fmt.Sprintf("worker %s unresponsive after %d attempts", worker, t.AttemptCount))
}

func (e *Engine) deadlinePassed(ctx context.Context, id string) error {
	t, err := e.Repo.GetTask(ctx, nil, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() || t.Deadline == nil {
		return nil
	}
	e.Logger.Warn("task deadline passed", "task_id", id, "deadline", t.Deadline.Format(time.RFC3339), "status", t.Status)
	return e.escalate(ctx, nil, escalation.KindCriticalPath, &t, map[string]any{
		"deadline": t.Deadline.UTC().Format(time.RFC3339),
	})
}
