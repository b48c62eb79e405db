package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/outbox"
	"fleetline/internal/schedule"
	"fleetline/internal/status"
)

// SubmitOptions are parameters for submitting a task.
type SubmitOptions struct {
	ID              string
	Kind            domain.Kind
	Priority        domain.Priority
	Payload         json.RawMessage
	SuccessCriteria string
	Deadline        *time.Time
	Status          domain.Status
	TicketRef       string
	Resources       []string
	Actor           string
}

var errCapacity = errors.New("active task ceiling reached")

// Submit validates and stores a task. todo tasks join the wait queue and are dispatched
// as soon as a worker is free; backlog tasks wait for Promote. Resubmitting an existing
// id returns the stored task.
func (e *Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.Task, error) {
	if !opts.Kind.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown task kind %q", domain.ErrValidation, opts.Kind)
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, opts.Priority)
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
	}
	if !status.IsStart(opts.Status) {
		return domain.Task{}, fmt.Errorf("%w: tasks start in backlog or todo, not %s", domain.ErrValidation, opts.Status)
	}
	if limit := e.Config.Router.MaxPayloadBytes; limit > 0 && len(opts.Payload) > limit {
		return domain.Task{}, fmt.Errorf("%w: payload is %d bytes, limit %d", domain.ErrValidation, len(opts.Payload), limit)
	}
	if len(opts.Payload) > 0 && !json.Valid(opts.Payload) {
		return domain.Task{}, fmt.Errorf("%w: payload must be JSON", domain.ErrValidation)
	}
	now := e.now()
	if opts.Deadline != nil && !opts.Deadline.After(now) {
		return domain.Task{}, fmt.Errorf("%w: deadline %s is in the past", domain.ErrValidation, opts.Deadline.Format(time.RFC3339))
	}
	resources, err := cleanResources(opts.Resources)
	if err != nil {
		return domain.Task{}, err
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}

	task := domain.Task{
		ID:              opts.ID,
		Kind:            opts.Kind,
		Priority:        opts.Priority,
		Payload:         opts.Payload,
		SuccessCriteria: opts.SuccessCriteria,
		Status:          opts.Status,
		DispatchState:   domain.DispatchIdle,
		TicketRef:       opts.TicketRef,
		Resources:       resources,
		Deadline:        opts.Deadline,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if task.Status == domain.StatusTodo {
		task.DispatchState = domain.DispatchWaiting
	}

	unlock := e.Locks.Lock(task.ID)
	existing := false
	err = db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		if prev, err := e.Repo.GetTask(ctx, tx, task.ID); err == nil {
			task = prev
			existing = true
			return nil
		} else if !isNotFound(err) {
			return err
		}
		if task.DispatchState == domain.DispatchWaiting {
			waiting, err := e.Repo.CountWaiting(ctx, tx)
			if err != nil {
				return err
			}
			if waiting >= e.Config.Router.MaxWaiting {
				return fmt.Errorf("%w: %d tasks waiting", domain.ErrWaitQueueFull, waiting)
			}
		}
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if task.TicketRef != "" && e.Outbox != nil {
			op, err := outbox.NewTicket(outbox.KindTicketSetStatus, task.ID+":status:submitted", task.ID, task.Priority,
				outbox.TicketPayload{Ref: task.TicketRef, Status: task.Status})
			if err != nil {
				return err
			}
			if _, _, err := e.Outbox.Enqueue(ctx, tx, op); err != nil {
				return err
			}
		}
		if task.Deadline != nil && e.Scheduler != nil {
			if err := e.Scheduler.Arm(ctx, tx, schedule.KindDeadline, task.ID, *task.Deadline, nil); err != nil {
				return err
			}
		}
		return e.Events.Append(ctx, tx, "task.submitted", "task", task.ID, opts.Actor, events.EventPayload{
			"kind": task.Kind, "priority": task.Priority, "status": task.Status,
		})
	})
	unlock()
	if err != nil {
		return domain.Task{}, err
	}
	if existing {
		return task, nil
	}
	e.Metrics.TaskSubmitted(string(task.Kind), string(task.Priority))
	e.Logger.Info("task submitted", "task_id", task.ID, "kind", task.Kind, "priority", task.Priority, "status", task.Status)
	if task.DispatchState == domain.DispatchWaiting {
		if _, err := e.Drain(ctx); err != nil {
			e.Logger.Error("drain after submit", "task_id", task.ID, "err", err)
		}
	}
	return e.Repo.GetTask(ctx, nil, task.ID)
}

func cleanResources(in []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, fmt.Errorf("%w: empty resource name", domain.ErrValidation)
		}
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out, nil
}

// Promote moves a backlog task to todo and queues it for dispatch.
func (e *Engine) Promote(ctx context.Context, id, actor string) (domain.Task, error) {
	task, err := e.withTask(ctx, id, func(tx *sql.Tx, t *domain.Task) (bool, error) {
		if err := e.transition(ctx, tx, t, domain.StatusTodo, actor); err != nil {
			return false, err
		}
		t.DispatchState = domain.DispatchWaiting
		return true, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Drain(ctx); err != nil {
		e.Logger.Error("drain after promote", "task_id", id, "err", err)
	}
	return e.Repo.GetTask(ctx, nil, task.ID)
}

// Drain dispatches waiting tasks in queue order until workers or the active ceiling run
// out. A task that cannot be placed does not hold back later tasks of other kinds.
func (e *Engine) Drain(ctx context.Context) (int, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	defer e.refreshDepth(ctx)

	waiting, err := e.Repo.ListWaiting(ctx, nil, 0)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, t := range waiting {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}
		ok, err := e.tryDispatch(ctx, t.ID)
		if errors.Is(err, errCapacity) {
			break
		}
		if err != nil {
			e.Logger.Error("dispatch failed", "task_id", t.ID, "err", err)
			continue
		}
		if ok {
			dispatched++
		}
	}
	return dispatched, nil
}

func (e *Engine) tryDispatch(ctx context.Context, id string) (bool, error) {
	ctx, span := e.tracer.Start(ctx, "engine.dispatch", trace.WithAttributes(attribute.String("task.id", id)))
	defer span.End()

	unlock := e.Locks.Lock(id)
	defer unlock()

	var (
		task     domain.Task
		worker   domain.Worker
		placed   bool
		conflict *domain.ResourceConflictError
	)
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		e.dispatchMu.Lock()
		defer e.dispatchMu.Unlock()
		var err error
		task, err = e.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if task.DispatchState != domain.DispatchWaiting || task.Status.Terminal() {
			return nil
		}
		active, err := e.Repo.CountActive(ctx, tx)
		if err != nil {
			return err
		}
		if active >= e.Config.Router.MaxActive {
			return errCapacity
		}
		eligible, err := e.Repo.ListEligible(ctx, tx, task.Kind)
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}
		worker = eligible[0]
		now := e.now()
		if len(task.Resources) > 0 {
			if err := e.Repo.AcquireResources(ctx, tx, task.ID, task.Resources, now); err != nil {
				return err
			}
		}
		if err := e.Repo.AdjustLoad(ctx, tx, worker.ID, 1, now); err != nil {
			return err
		}
		previous := task.ProgressNote
		task.AssignedWorker = &worker.ID
		task.AttemptCount++
		task.DispatchState = domain.DispatchAwaitingAck
		task.DispatchedAt = &now
		task.AckMisses = 0
		task.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		body := map[string]any{
			"kind":     string(task.Kind),
			"attempt":  task.AttemptCount,
			"priority": string(task.Priority),
		}
		if len(task.Payload) > 0 {
			body["payload"] = task.Payload
		}
		if task.SuccessCriteria != "" {
			body["success_criteria"] = task.SuccessCriteria
		}
		if task.TicketRef != "" {
			body["ticket_ref"] = task.TicketRef
		}
		if len(task.Resources) > 0 {
			body["resources"] = task.Resources
		}
		if task.Deadline != nil {
			body["deadline"] = task.Deadline.UTC().Format(time.RFC3339)
		}
		if task.AttemptCount > 1 && previous != "" {
			body["handoff"] = previous
		}
		subject := fmt.Sprintf("%s task %s", task.Kind, task.ID)
		if err := e.message(ctx, tx, task, delegateKey(task.ID, task.AttemptCount), worker.ID, domain.ContentDelegation, subject, body); err != nil {
			return err
		}
		if e.Scheduler != nil {
			if err := e.Scheduler.Arm(ctx, tx, schedule.KindAckTimeout, task.ID, now.Add(e.Config.Router.AckTimeout.D()), nil); err != nil {
				return err
			}
		}
		placed = true
		return e.Events.Append(ctx, tx, "task.dispatched", "task", task.ID, "", events.EventPayload{
			"worker": worker.ID, "attempt": task.AttemptCount,
		})
	})
	if errors.As(err, &conflict) {
		e.Logger.Info("task waiting on resource", "task_id", id, "resource", conflict.Resource, "holder", conflict.Holder)
		if eerr := e.escalate(ctx, nil, escalation.KindResourceConflict, &task, map[string]any{
			"resource": conflict.Resource,
			"holder":   conflict.Holder,
		}); eerr != nil {
			e.Logger.Error("escalate resource conflict", "task_id", id, "err", eerr)
		}
		return false, nil
	}
	if errors.Is(err, errCapacity) {
		return false, err
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !placed {
		return false, nil
	}
	e.Metrics.Dispatched(worker.ID)
	e.Logger.Info("task dispatched", "task_id", id, "worker", worker.ID, "attempt", task.AttemptCount)
	return true, nil
}
