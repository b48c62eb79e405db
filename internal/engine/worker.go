package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/schedule"
	"fleetline/internal/status"
)

func assignedTo(t *domain.Task, worker string) error {
	if t.AssignedWorker == nil || *t.AssignedWorker != worker {
		return fmt.Errorf("%w: task %s, worker %s", domain.ErrNotAssigned, t.ID, worker)
	}
	return nil
}

type stallMark struct {
	ProgressAt string `json:"progress_at,omitempty"`
}

func (e *Engine) armStall(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	if e.Scheduler == nil {
		return nil
	}
	var mark stallMark
	if t.ProgressAt != nil {
		mark.ProgressAt = db.FormatTime(*t.ProgressAt)
	}
	return e.Scheduler.Arm(ctx, tx, schedule.KindStallCheck, t.ID, e.now().Add(e.Config.Router.StallTimeout.D()), mark)
}

// revive returns an unresponsive worker to the pool once it shows signs of life.
func (e *Engine) revive(ctx context.Context, tx *sql.Tx, workerID string) (bool, error) {
	w, err := e.Repo.GetWorker(ctx, tx, workerID)
	if err != nil {
		return false, err
	}
	if w.State != domain.WorkerUnresponsive {
		return false, nil
	}
	if err := e.Repo.SetWorkerState(ctx, tx, workerID, domain.WorkerAvailable, e.now()); err != nil {
		return false, err
	}
	e.Logger.Info("worker recovered", "worker", workerID)
	return true, e.Events.Append(ctx, tx, "worker.recovered", "worker", workerID, workerID, nil)
}

// OnAck applies a worker's answer to a delegation.
func (e *Engine) OnAck(ctx context.Context, id, worker string, ack domain.Ack) (domain.Task, error) {
	if !ack.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown ack %q", domain.ErrValidation, ack)
	}
	drain := false
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if err := assignedTo(t, worker); err != nil {
			return false, err
		}
		if t.Status.Terminal() {
			return false, nil
		}
		if e.Outbox != nil {
			if err := e.Outbox.MarkAcked(ctx, tx, delegateKey(t.ID, t.AttemptCount)); err != nil {
				return false, err
			}
		}
		revived, err := e.revive(ctx, tx, worker)
		if err != nil {
			return false, err
		}
		drain = revived
		if e.Scheduler != nil {
			if err := e.Scheduler.Cancel(ctx, tx, schedule.KindAckTimeout, t.ID); err != nil {
				return false, err
			}
		}
		switch ack {
		case domain.AckReceived:
			if t.Status == domain.StatusTodo {
				if err := e.transition(ctx, tx, t, domain.StatusInProgress, worker); err != nil {
					return false, err
				}
			}
			now := e.now()
			t.DispatchState = domain.DispatchActive
			t.ProgressAt = &now
			if err := e.armStall(ctx, tx, t); err != nil {
				return false, err
			}
		case domain.AckQueued:
			t.DispatchState = domain.DispatchQueued
			if err := e.armStall(ctx, tx, t); err != nil {
				return false, err
			}
		case domain.AckClarification:
			t.DispatchState = domain.DispatchQueued
			if err := e.armStall(ctx, tx, t); err != nil {
				return false, err
			}
			if err := e.escalate(ctx, tx, escalation.KindUnclearPolicy, t, map[string]any{
				"reason": "worker asked for clarification",
			}); err != nil {
				return false, err
			}
		case domain.AckRejected:
			e.dispatchMu.Lock()
			defer e.dispatchMu.Unlock()
			if err := e.release(ctx, tx, t, "rejected"); err != nil {
				return false, err
			}
			if err := e.retryOrBlock(ctx, tx, t, "rejected by "+worker); err != nil {
				return false, err
			}
			drain = true
		}
		if err := e.Events.Append(ctx, tx, "task.ack", "task", t.ID, worker, events.EventPayload{
			"ack": ack, "attempt": t.AttemptCount,
		}); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.Logger.Info("task acknowledged", "task_id", id, "worker", worker, "ack", ack)
	if drain {
		if _, err := e.Drain(ctx); err != nil {
			e.Logger.Error("drain after ack", "task_id", id, "err", err)
		}
		return e.Repo.GetTask(ctx, nil, id)
	}
	return task, nil
}

// OnProgress moves the task's progress watermark. Progress is what separates a slow
// worker from an unresponsive one.
func (e *Engine) OnProgress(ctx context.Context, id, worker, note string) (domain.Task, error) {
	if limit := e.Config.Router.MaxSummaryBytes; limit > 0 && len(note) > limit {
		return domain.Task{}, fmt.Errorf("%w: progress note is %d bytes, limit %d", domain.ErrValidation, len(note), limit)
	}
	drain := false
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if err := assignedTo(t, worker); err != nil {
			return false, err
		}
		if t.Status.Terminal() {
			return false, nil
		}
		now := e.now()
		t.ProgressAt = &now
		if note != "" {
			t.ProgressNote = note
		}
		revived, err := e.revive(ctx, tx, worker)
		if err != nil {
			return false, err
		}
		drain = revived
		if t.DispatchState == domain.DispatchActive || t.DispatchState == domain.DispatchQueued {
			if err := e.armStall(ctx, tx, t); err != nil {
				return false, err
			}
		}
		return true, e.Events.Append(ctx, tx, "task.progress", "task", t.ID, worker, events.EventPayload{"note": note})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if drain {
		if _, err := e.Drain(ctx); err != nil {
			e.Logger.Error("drain after progress", "task_id", id, "err", err)
		}
	}
	return task, nil
}

// OnWorkerResult records a worker's final report and releases its slot.
func (e *Engine) OnWorkerResult(ctx context.Context, id, worker string, res domain.Result) (domain.Task, error) {
	if !res.Outcome.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown outcome %q", domain.ErrValidation, res.Outcome)
	}
	if limit := e.Config.Router.MaxSummaryBytes; limit > 0 && len(res.Summary) > limit {
		return domain.Task{}, fmt.Errorf("%w: summary is %d bytes, limit %d; put details in the artifact", domain.ErrValidation, len(res.Summary), limit)
	}
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if err := assignedTo(t, worker); err != nil {
			return false, err
		}
		if t.Status.Terminal() {
			return false, nil
		}
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		if err := e.release(ctx, tx, t, strings.ToLower(string(res.Outcome))); err != nil {
			return false, err
		}
		if _, err := e.revive(ctx, tx, worker); err != nil {
			return false, err
		}
		if res.Summary != "" {
			t.ResultSummary = res.Summary
		}
		if res.ArtifactRef != "" {
			t.ArtifactRef = res.ArtifactRef
		}
		switch res.Outcome {
		case domain.OutcomeDone:
			if t.Status == domain.StatusTodo {
				if err := e.transition(ctx, tx, t, domain.StatusInProgress, worker); err != nil {
					return false, err
				}
			}
			if t.Status == domain.StatusInProgress {
				next, _ := status.Next(t.Status)
				if err := e.transition(ctx, tx, t, next, worker); err != nil {
					return false, err
				}
			}
		case domain.OutcomeFailed:
			reason := res.Reason
			if reason == "" {
				reason = "worker reported failure"
			}
			t.ProgressNote = reason
			if err := e.retryOrBlock(ctx, tx, t, reason); err != nil {
				return false, err
			}
		case domain.OutcomeBlocked:
			if err := e.transition(ctx, tx, t, domain.StatusBlocked, worker); err != nil {
				return false, err
			}
			if err := e.escalate(ctx, tx, escalation.KindMissingDependency, t, map[string]any{
				"reason": res.Reason,
			}); err != nil {
				return false, err
			}
		}
		if err := e.Events.Append(ctx, tx, "task.result", "task", t.ID, worker, events.EventPayload{
			"outcome": res.Outcome, "artifact_ref": res.ArtifactRef, "attempt": t.AttemptCount,
		}); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.Logger.Info("task result", "task_id", id, "worker", worker, "outcome", res.Outcome, "status", task.Status)
	if _, err := e.Drain(ctx); err != nil {
		e.Logger.Error("drain after result", "task_id", id, "err", err)
	}
	return e.Repo.GetTask(ctx, nil, id)
}

// RegisterWorker adds or updates a worker and makes it available.
func (e *Engine) RegisterWorker(ctx context.Context, w domain.Worker, actor string) (domain.Worker, error) {
	w.ID = strings.TrimSpace(w.ID)
	if w.ID == "" {
		return domain.Worker{}, fmt.Errorf("%w: worker id required", domain.ErrValidation)
	}
	if w.MaxConcurrent <= 0 {
		return domain.Worker{}, fmt.Errorf("%w: max_concurrent must be positive", domain.ErrValidation)
	}
	if len(w.Capabilities) == 0 {
		return domain.Worker{}, fmt.Errorf("%w: worker %s needs at least one capability", domain.ErrValidation, w.ID)
	}
	for _, k := range w.Capabilities {
		if !k.Valid() {
			return domain.Worker{}, fmt.Errorf("%w: unknown capability %q", domain.ErrValidation, k)
		}
	}
	w.UpdatedAt = e.now()
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		if prev, err := e.Repo.GetWorker(ctx, tx, w.ID); err == nil && prev.CurrentLoad > w.MaxConcurrent {
			return fmt.Errorf("%w: worker %s has %d tasks, cannot lower max_concurrent to %d", domain.ErrValidation, w.ID, prev.CurrentLoad, w.MaxConcurrent)
		}
		if err := e.Repo.UpsertWorker(ctx, tx, w); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "worker.registered", "worker", w.ID, actor, events.EventPayload{
			"capabilities": w.Capabilities, "max_concurrent": w.MaxConcurrent,
		})
	})
	if err != nil {
		return domain.Worker{}, err
	}
	e.Logger.Info("worker registered", "worker", w.ID, "capabilities", w.Capabilities, "max_concurrent", w.MaxConcurrent)
	if _, err := e.Drain(ctx); err != nil {
		e.Logger.Error("drain after register", "worker", w.ID, "err", err)
	}
	return e.Repo.GetWorker(ctx, nil, w.ID)
}

func (e *Engine) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return e.Repo.ListWorkers(ctx, nil)
}
