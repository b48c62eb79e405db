// Package engine routes tasks to workers and drives them through their lifecycle.
//
// Every task mutation runs under that task's lock and inside one SQL transaction that
// also appends the event and enqueues any side effect. Worker load changes additionally
// take the dispatch mutex, always after the task lock.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/keylock"
	"fleetline/internal/logging"
	"fleetline/internal/outbox"
	"fleetline/internal/repo"
	"fleetline/internal/schedule"
	"fleetline/internal/status"
	"fleetline/internal/telemetry"
)

// VerificationCanceller stops verification runs of a task inside the caller's transaction.
type VerificationCanceller interface {
	CancelTask(ctx context.Context, x db.Querier, taskID string) error
}

type Engine struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Config      *config.Config
	Outbox      *outbox.Queue
	Scheduler   *schedule.Scheduler
	Escalations *escalation.Manager
	Verifier    VerificationCanceller
	Locks       *keylock.Map
	Logger      *slog.Logger
	Metrics     *telemetry.Metrics
	Now         func() time.Time

	dispatchMu sync.Mutex
	drainMu    sync.Mutex
	tracer     trace.Tracer
}

func New(conn *sql.DB, cfg *config.Config, queue *outbox.Queue, sched *schedule.Scheduler, esc *escalation.Manager, locks *keylock.Map, logger *slog.Logger, metrics *telemetry.Metrics) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if locks == nil {
		locks = keylock.New()
	}
	e := &Engine{
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Config:      cfg,
		Outbox:      queue,
		Scheduler:   sched,
		Escalations: esc,
		Locks:       locks,
		Logger:      logging.OrDiscard(logger),
		Metrics:     metrics,
		Now:         time.Now,
		tracer:      telemetry.Tracer(),
	}
	e.Events = events.Writer{Now: e.now}
	if sched != nil {
		for _, kind := range []schedule.Kind{schedule.KindAckTimeout, schedule.KindStallCheck, schedule.KindDeadline} {
			sched.Handle(kind, e.HandleTimer)
		}
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) agentID() string {
	if e.Config.Transport.AgentID != "" {
		return e.Config.Transport.AgentID
	}
	return "integrator"
}

func delegateKey(taskID string, attempt int) string {
	return fmt.Sprintf("%s:delegate:%d", taskID, attempt)
}

// withTask runs fn under the task lock inside a transaction with the freshly loaded task.
// fn mutates the task in place; it is written back when fn returns nil and save is set.
func (e *Engine) withTask(ctx context.Context, id string, fn func(tx *sql.Tx, t *domain.Task) (save bool, err error)) (domain.Task, error) {
	unlock := e.Locks.Lock(id)
	defer unlock()
	var task domain.Task
	err := db.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		var err error
		task, err = e.Repo.GetTask(ctx, tx, id)
		if err != nil {
			return err
		}
		save, err := fn(tx, &task)
		if err != nil {
			return err
		}
		if !save {
			return nil
		}
		task.UpdatedAt = e.now()
		return e.Repo.UpdateTask(ctx, tx, task)
	})
	return task, err
}

// transition moves t to the target state after checking the graph and the gates on
// irreversible and closing edges. Rejections are logged and returned unchanged.
func (e *Engine) transition(ctx context.Context, tx *sql.Tx, t *domain.Task, to domain.Status, actor string) error {
	from := t.Status
	if err := status.Check(from, to, t.BlockedFrom); err != nil {
		e.Logger.Warn("transition rejected", "task_id", t.ID, "from", from, "to", to, "err", err)
		e.Metrics.TransitionRejected(string(from), string(to))
		return err
	}
	if status.Irreversible(to) {
		if err := e.checkVerified(ctx, tx, t); err != nil {
			e.Logger.Warn("transition rejected", "task_id", t.ID, "from", from, "to", to, "reason", "not verified", "err", err)
			e.Metrics.TransitionRejected(string(from), string(to))
			return fmt.Errorf("%w: %s -> %s needs a completed verification: %v", domain.ErrVerificationFailure, from, to, err)
		}
	}
	if to == domain.StatusDone {
		if err := status.CheckClosure(t.Kind, t.Evidence); err != nil {
			e.Logger.Warn("transition rejected", "task_id", t.ID, "from", from, "to", to, "reason", "closure evidence")
			e.Metrics.TransitionRejected(string(from), string(to))
			return err
		}
	}
	switch {
	case to == domain.StatusBlocked:
		paused := from
		t.BlockedFrom = &paused
	case from == domain.StatusBlocked:
		t.BlockedFrom = nil
	}
	t.Status = to
	if to.Terminal() {
		now := e.now()
		t.ArchivedAt = &now
	}
	if t.TicketRef != "" && e.Outbox != nil {
		op, err := outbox.NewTicket(outbox.KindTicketSetStatus, t.ID+":status:"+uuid.NewString(), t.ID, t.Priority,
			outbox.TicketPayload{Ref: t.TicketRef, Status: to})
		if err != nil {
			return err
		}
		if _, _, err := e.Outbox.Enqueue(ctx, tx, op); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.status", "task", t.ID, actor, events.EventPayload{"from": from, "to": to}); err != nil {
		return err
	}
	e.Metrics.Transition(string(from), string(to))
	e.Logger.Info("task transitioned", "task_id", t.ID, "from", from, "to", to, "actor", actor)
	return nil
}

// runReady is the state of a verification run that settled successfully.
const runReady = "ready"

// checkVerified requires a recorded verification whose run is still the task's latest.
func (e *Engine) checkVerified(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	if t.VerifiedAt == nil {
		return errors.New("no ready verification")
	}
	_, state, err := e.Repo.LatestVerification(ctx, tx, t.ID)
	if err != nil {
		if isNotFound(err) {
			return errors.New("no verification run")
		}
		return err
	}
	if state != runReady {
		return fmt.Errorf("latest verification is %s", state)
	}
	return nil
}

// release frees the worker slot and resources held by t. The release event is written
// before any later assignment. The caller holds the dispatch mutex.
func (e *Engine) release(ctx context.Context, tx *sql.Tx, t *domain.Task, reason string) error {
	if t.AssignedWorker == nil {
		_, err := e.Repo.ReleaseResources(ctx, tx, t.ID)
		return err
	}
	worker := *t.AssignedWorker
	if err := e.Repo.AdjustLoad(ctx, tx, worker, -1, e.now()); err != nil {
		return err
	}
	if _, err := e.Repo.ReleaseResources(ctx, tx, t.ID); err != nil {
		return err
	}
	if e.Scheduler != nil {
		if err := e.Scheduler.Cancel(ctx, tx, schedule.KindAckTimeout, t.ID); err != nil {
			return err
		}
		if err := e.Scheduler.Cancel(ctx, tx, schedule.KindStallCheck, t.ID); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "task.released", "task", t.ID, "", events.EventPayload{
		"worker": worker, "reason": reason, "attempt": t.AttemptCount,
	}); err != nil {
		return err
	}
	t.AssignedWorker = nil
	t.DispatchedAt = nil
	t.AckMisses = 0
	t.DispatchState = domain.DispatchIdle
	e.Metrics.Released(reason)
	return nil
}

// retryOrBlock puts a released task back in the wait queue while it has attempts left,
// otherwise blocks it with a failure report and escalates.
func (e *Engine) retryOrBlock(ctx context.Context, tx *sql.Tx, t *domain.Task, reason string) error {
	if t.AttemptCount < e.Config.Router.MaxAttempts {
		t.DispatchState = domain.DispatchWaiting
		return nil
	}
	t.FailureReport = domain.FailureReport(t.ID, reason)
	t.DispatchState = domain.DispatchIdle
	if err := e.transition(ctx, tx, t, domain.StatusBlocked, ""); err != nil {
		return err
	}
	e.Logger.Error("task failed", "task_id", t.ID, "report", t.FailureReport)
	return e.escalate(ctx, tx, escalation.KindQualityGate, t, map[string]any{
		"reason":   reason,
		"attempts": t.AttemptCount,
		"report":   t.FailureReport,
	})
}

func (e *Engine) escalate(ctx context.Context, x db.Querier, kind escalation.Kind, t *domain.Task, details map[string]any) error {
	if e.Escalations == nil {
		return nil
	}
	details["status"] = string(t.Status)
	details["kind"] = string(t.Kind)
	details["priority"] = string(t.Priority)
	if t.AssignedWorker != nil {
		details["worker"] = *t.AssignedWorker
	}
	if t.TicketRef != "" {
		details["ticket_ref"] = t.TicketRef
	}
	_, _, err := e.Escalations.Escalate(ctx, x, escalation.Request{Kind: kind, TaskID: t.ID, Context: details})
	return err
}

// message queues an envelope for an agent inside tx.
func (e *Engine) message(ctx context.Context, tx *sql.Tx, t domain.Task, id, to, contentType, subject string, body map[string]any) error {
	if e.Outbox == nil {
		return nil
	}
	body["task_id"] = t.ID
	msg := domain.Message{
		ID:       id,
		From:     e.agentID(),
		To:       to,
		Subject:  subject,
		Priority: t.Priority,
		Content:  domain.Content{Type: contentType, Body: body},
		QueuedAt: e.now(),
	}
	op, err := outbox.NewMessage(msg, t.ID)
	if err != nil {
		return err
	}
	_, _, err = e.Outbox.Enqueue(ctx, tx, op)
	return err
}

// GetTaskStatus returns the current record of a task.
func (e *Engine) GetTaskStatus(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e *Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, nil, f)
}

func (e *Engine) refreshDepth(ctx context.Context) {
	if e.Metrics == nil {
		return
	}
	waiting, err := e.Repo.CountWaiting(ctx, nil)
	if err != nil {
		return
	}
	active, err := e.Repo.CountActive(ctx, nil)
	if err != nil {
		return
	}
	e.Metrics.SetQueueDepth(waiting, active)
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
