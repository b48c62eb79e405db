package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/escalation"
	"fleetline/internal/events"
	"fleetline/internal/keylock"
	"fleetline/internal/migrate"
	"fleetline/internal/outbox"
	"fleetline/internal/repo"
	"fleetline/internal/schedule"
	"fleetline/internal/ticket"
	"fleetline/internal/transport"
	"fleetline/internal/verify"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Ctx      context.Context
	DB       *sql.DB
	Engine   *engine.Engine
	Queue    *outbox.Queue
	Sched    *schedule.Scheduler
	Esc      *escalation.Manager
	Verifier *verify.Verifier
	Tickets  *ticket.Memory

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T, tweak func(*config.Config)) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	cfg := config.Default()
	if tweak != nil {
		tweak(cfg)
	}
	env := &testEnv{Ctx: ctx, DB: conn, Tickets: ticket.NewMemory(), now: epoch}
	clock := env.clock

	locks := keylock.New()
	env.Queue = outbox.New(conn, transport.Mailbox{DB: conn, Now: clock}, env.Tickets, outbox.Options{}, nil, nil)
	env.Queue.Now = clock
	env.Esc = escalation.New(conn, env.Queue, escalation.Options{Coordinator: "coordinator"}, nil, nil)
	env.Esc.Now = clock
	env.Sched = schedule.New(conn, time.Second, nil)
	env.Sched.Now = clock
	env.Engine = engine.New(conn, cfg, env.Queue, env.Sched, env.Esc, locks, nil, nil)
	env.Engine.Now = clock
	env.Verifier = verify.New(conn, env.Tickets, env.Sched, env.Esc, locks, verify.Options{}, nil, nil)
	env.Verifier.Now = clock
	env.Verifier.OnReady = env.Engine.MarkVerified
	env.Engine.Verifier = env.Verifier
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// at moves the clock to epoch+d and fires every timer due by then.
func (e *testEnv) at(t *testing.T, d time.Duration) {
	t.Helper()
	e.mu.Lock()
	e.now = epoch.Add(d)
	e.mu.Unlock()
	_, err := e.Sched.RunDue(e.Ctx)
	require.NoError(t, err)
}

func (e *testEnv) worker(t *testing.T, id string, max int, kinds ...domain.Kind) {
	t.Helper()
	_, err := e.Engine.RegisterWorker(e.Ctx, domain.Worker{ID: id, Capabilities: kinds, MaxConcurrent: max}, "tester")
	require.NoError(t, err)
}

func (e *testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := e.Engine.GetTaskStatus(e.Ctx, id)
	require.NoError(t, err)
	return task
}

func (e *testEnv) load(t *testing.T, id string) domain.Worker {
	t.Helper()
	w, err := repo.Repo{DB: e.DB}.GetWorker(e.Ctx, nil, id)
	require.NoError(t, err)
	return w
}

// opKeys lists the idempotency keys of a task's ops that start with prefix.
func (e *testEnv) opKeys(t *testing.T, taskID, prefix string) []string {
	t.Helper()
	ops, err := e.Queue.List(e.Ctx, outbox.ListFilter{TaskID: taskID})
	require.NoError(t, err)
	var keys []string
	for _, op := range ops {
		if strings.HasPrefix(op.IdemKey, prefix) {
			keys = append(keys, op.IdemKey)
		}
	}
	return keys
}

func (e *testEnv) escalations(t *testing.T, taskID string, kind escalation.Kind) []escalation.Escalation {
	t.Helper()
	list, err := e.Esc.List(e.Ctx, escalation.ListFilter{TaskID: taskID, Kind: kind})
	require.NoError(t, err)
	return list
}

func worker(t domain.Task) string {
	if t.AssignedWorker == nil {
		return ""
	}
	return *t.AssignedWorker
}

func TestReviewTaskToVerifiedMerge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 2, domain.KindReview, domain.KindFix)
	env.worker(t, "w2", 1, domain.KindRelease)
	ref := "org/repo#7"
	env.Tickets.SetSignals(ref, ticket.Signals{ChecksGreen: true, ThreadsResolved: true, Mergeable: true})

	task, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		ID: "t-1", Kind: domain.KindReview, Priority: domain.PriorityHigh,
		Payload: []byte(`{"pr":7}`), TicketRef: ref, Actor: "tester",
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(task))
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, domain.DispatchAwaitingAck, task.DispatchState)
	assert.Equal(t, []string{"t-1:delegate:1"}, env.opKeys(t, "t-1", "t-1:delegate"))
	assert.Equal(t, 1, env.load(t, "w1").CurrentLoad)

	task, err = env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckReceived)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, domain.DispatchActive, task.DispatchState)
	_, err = env.Sched.Get(env.Ctx, nil, schedule.KindAckTimeout, "t-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = env.Sched.Get(env.Ctx, nil, schedule.KindStallCheck, "t-1")
	assert.NoError(t, err)
	op, err := env.Queue.GetByKey(env.Ctx, nil, "t-1:delegate:1")
	require.NoError(t, err)
	assert.NotNil(t, op.AckedAt)

	task, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{
		Outcome: domain.OutcomeDone, Summary: "looks good", ArtifactRef: "s3://reviews/t-1.md",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAIReview, task.Status)
	assert.Empty(t, worker(task))
	assert.Equal(t, "looks good", task.ResultSummary)
	assert.Equal(t, "s3://reviews/t-1.md", task.ArtifactRef)
	assert.Equal(t, 0, env.load(t, "w1").CurrentLoad)

	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusMergeRelease, "tester")
	assert.ErrorIs(t, err, domain.ErrVerificationFailure)

	_, err = env.Verifier.Start(env.Ctx, "t-1")
	require.NoError(t, err)
	env.at(t, 15*time.Second)
	assert.Nil(t, env.task(t, "t-1").VerifiedAt)
	env.at(t, 60*time.Second)
	res, err := env.Verifier.Result(env.Ctx, "t-1")
	require.NoError(t, err)
	require.True(t, res.Ready)
	assert.Len(t, res.Run.Passes, 4)
	require.NotNil(t, env.task(t, "t-1").VerifiedAt)

	task, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusMergeRelease, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMergeRelease, task.Status)
	assert.NotEmpty(t, env.opKeys(t, "t-1", "t-1:status:"))
}

func TestFailedReverificationRevokesMerge(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindReview)
	ref := "org/repo#8"
	env.Tickets.SetSignals(ref, ticket.Signals{ChecksGreen: true, ThreadsResolved: true, Mergeable: true})

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindReview, TicketRef: ref})
	require.NoError(t, err)
	_, err = env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckReceived)
	require.NoError(t, err)
	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeDone, Summary: "ok"})
	require.NoError(t, err)

	first, err := env.Verifier.Start(env.Ctx, "t-1")
	require.NoError(t, err)
	env.at(t, 15*time.Second)
	env.at(t, 60*time.Second)
	require.NotNil(t, env.task(t, "t-1").VerifiedAt)

	// CI goes red and changes are requested after the first run settled.
	env.Tickets.SetSignals(ref, ticket.Signals{ThreadsResolved: true, Mergeable: true, ChangesRequested: true})
	second, err := env.Verifier.Start(env.Ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, verify.StateFailed, second.State)
	assert.Nil(t, env.task(t, "t-1").VerifiedAt)

	// A late ready report from the superseded run does not restore the authorization.
	require.NoError(t, env.Engine.MarkVerified(env.Ctx, "t-1", first.ID))
	assert.Nil(t, env.task(t, "t-1").VerifiedAt)

	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusMergeRelease, "tester")
	assert.ErrorIs(t, err, domain.ErrVerificationFailure)
	assert.Equal(t, domain.StatusAIReview, env.task(t, "t-1").Status)
}

func TestSilentWorkerGetsOneReminderThenHandoff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindFix)
	env.worker(t, "w2", 1, domain.KindFix)

	task, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)
	require.Equal(t, "w1", worker(task))

	env.at(t, 30*time.Second)
	task = env.task(t, "t-1")
	assert.Equal(t, "w1", worker(task))
	assert.Equal(t, 1, task.AckMisses)
	assert.Equal(t, []string{"t-1:remind:1"}, env.opKeys(t, "t-1", "t-1:remind"))

	env.at(t, 60*time.Second)
	task = env.task(t, "t-1")
	assert.Equal(t, "w2", worker(task))
	assert.Equal(t, 2, task.AttemptCount)
	assert.Equal(t, domain.DispatchAwaitingAck, task.DispatchState)
	assert.Equal(t, []string{"t-1:remind:1"}, env.opKeys(t, "t-1", "t-1:remind"), "exactly one reminder")
	assert.Equal(t, []string{"t-1:delegate:1", "t-1:delegate:2"}, env.opKeys(t, "t-1", "t-1:delegate"))

	w1 := env.load(t, "w1")
	assert.Equal(t, 0, w1.CurrentLoad)
	assert.Equal(t, domain.WorkerUnresponsive, w1.State)
	assert.Equal(t, 1, env.load(t, "w2").CurrentLoad)
	assert.Len(t, env.escalations(t, "t-1", escalation.KindWorkerUnresponsive), 1)

	// A late answer from the old worker is refused.
	_, err = env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckReceived)
	assert.ErrorIs(t, err, domain.ErrNotAssigned)
}

func TestProgressKeepsSlowWorker(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindFix)
	env.worker(t, "w2", 1, domain.KindFix)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)

	env.at(t, 30*time.Second)
	env.mu.Lock()
	env.now = epoch.Add(40 * time.Second)
	env.mu.Unlock()
	_, err = env.Engine.OnProgress(env.Ctx, "t-1", "w1", "reproduced locally")
	require.NoError(t, err)

	env.at(t, 60*time.Second)
	task := env.task(t, "t-1")
	assert.Equal(t, "w1", worker(task))
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, "reproduced locally", task.ProgressNote)
	assert.Equal(t, domain.WorkerAvailable, env.load(t, "w1").State)
}

func TestLoadMatchesAssignmentsUnderConcurrency(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, id := range []string{"w1", "w2", "w3"} {
		env.worker(t, id, 2, domain.Kinds...)
	}
	const total = 24

	checkLoads := func() {
		t.Helper()
		workers, err := env.Engine.ListWorkers(env.Ctx)
		require.NoError(t, err)
		tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
		require.NoError(t, err)
		held := map[string]int{}
		for _, task := range tasks {
			if w := worker(task); w != "" {
				held[w]++
			}
		}
		for _, w := range workers {
			assert.Equal(t, held[w.ID], w.CurrentLoad, "worker %s", w.ID)
			assert.LessOrEqual(t, w.CurrentLoad, w.MaxConcurrent, "worker %s", w.ID)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
				ID:   fmt.Sprintf("t-%02d", i),
				Kind: domain.Kinds[i%len(domain.Kinds)],
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	checkLoads()

	for round := 0; round < total; round++ {
		tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
		require.NoError(t, err)
		var assigned []domain.Task
		for _, task := range tasks {
			if worker(task) != "" {
				assigned = append(assigned, task)
			}
		}
		if len(assigned) == 0 {
			break
		}
		for _, task := range assigned {
			wg.Add(1)
			go func(task domain.Task) {
				defer wg.Done()
				_, err := env.Engine.OnWorkerResult(env.Ctx, task.ID, worker(task), domain.Result{Outcome: domain.OutcomeDone})
				assert.NoError(t, err)
			}(task)
		}
		wg.Wait()
		checkLoads()
	}

	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	require.NoError(t, err)
	require.Len(t, tasks, total)
	for _, task := range tasks {
		assert.Equal(t, domain.StatusAIReview, task.Status, task.ID)
		assert.Equal(t, 1, task.AttemptCount, task.ID)
	}
}

func TestQueueOrderIsPriorityThenArrival(t *testing.T) {
	env := newTestEnv(t, nil)
	for i, p := range []domain.Priority{domain.PriorityLow, domain.PriorityNormal, domain.PriorityUrgent, domain.PriorityNormal} {
		_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: fmt.Sprintf("t-%d", i), Kind: domain.KindVerify, Priority: p})
		require.NoError(t, err)
	}
	env.worker(t, "w1", 1, domain.KindVerify)
	assert.Equal(t, "w1", worker(env.task(t, "t-2")))

	_, err := env.Engine.OnWorkerResult(env.Ctx, "t-2", "w1", domain.Result{Outcome: domain.OutcomeDone})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(env.task(t, "t-1")))

	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeDone})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(env.task(t, "t-3")))
	assert.Equal(t, domain.DispatchWaiting, env.task(t, "t-0").DispatchState)
}

func TestWaitQueueFull(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Router.MaxWaiting = 1 })
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-2", Kind: domain.KindFix})
	assert.ErrorIs(t, err, domain.ErrWaitQueueFull)

	// Resubmitting a stored id is not a new entry.
	task, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchWaiting, task.DispatchState)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Router.MaxPayloadBytes = 16 })
	past := epoch.Add(-time.Hour)
	cases := []engine.SubmitOptions{
		{Kind: "deploy"},
		{Kind: domain.KindFix, Priority: "p0"},
		{Kind: domain.KindFix, Status: domain.StatusInProgress},
		{Kind: domain.KindFix, Payload: []byte(`{"much":"too long for the limit"}`)},
		{Kind: domain.KindFix, Payload: []byte(`not json`)},
		{Kind: domain.KindFix, Deadline: &past},
		{Kind: domain.KindFix, Resources: []string{" "}},
	}
	for i, opts := range cases {
		_, err := env.Engine.Submit(env.Ctx, opts)
		assert.ErrorIs(t, err, domain.ErrValidation, "case %d", i)
	}
}

func TestBacklogWaitsForPromote(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindFix)

	task, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix, Status: domain.StatusBacklog})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBacklog, task.Status)
	assert.Equal(t, domain.DispatchIdle, task.DispatchState)
	assert.Empty(t, worker(task))

	n, err := env.Engine.Drain(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	task, err = env.Engine.Promote(env.Ctx, "t-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, task.Status)
	assert.Equal(t, "w1", worker(task))
}

func TestCancelIsIdempotentAndStopsEverything(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindReview)
	ref := "org/repo#9"
	env.Tickets.SetSignals(ref, ticket.Signals{ChecksGreen: true, ThreadsResolved: true, Mergeable: true})

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindReview, TicketRef: ref})
	require.NoError(t, err)
	_, err = env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckReceived)
	require.NoError(t, err)
	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeDone})
	require.NoError(t, err)
	run, err := env.Verifier.Start(env.Ctx, "t-1")
	require.NoError(t, err)

	task, err := env.Engine.Cancel(env.Ctx, "t-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.NotNil(t, task.ArchivedAt)
	_, err = env.Sched.Get(env.Ctx, nil, schedule.KindVerifyPass, run.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	again, err := env.Engine.Cancel(env.Ctx, "t-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Status)
	assert.True(t, task.UpdatedAt.Equal(again.UpdatedAt))

	evts, err := events.List(env.Ctx, env.DB, "task", "t-1", 0)
	require.NoError(t, err)
	cancels := 0
	for _, ev := range evts {
		if ev.Type == "task.status" && strings.Contains(ev.Payload, `"to":"cancelled"`) {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)

	env.at(t, time.Hour)
	res, err := env.Verifier.Result(env.Ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, verify.StateCancelled, res.Run.State)
	assert.Nil(t, env.task(t, "t-1").VerifiedAt)
}

func TestCancelAssignedTaskNotifiesWorker(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindFix)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix, Resources: []string{"db"}})
	require.NoError(t, err)

	_, err = env.Engine.Cancel(env.Ctx, "t-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 0, env.load(t, "w1").CurrentLoad)

	delegation, err := env.Queue.GetByKey(env.Ctx, nil, "t-1:delegate:1")
	require.NoError(t, err)
	assert.Equal(t, outbox.StateCancelled, delegation.State)
	cancel, err := env.Queue.GetByKey(env.Ctx, nil, "t-1:cancel")
	require.NoError(t, err)
	assert.Equal(t, outbox.StatePending, cancel.State)

	holder, err := repo.Repo{DB: env.DB}.HolderOf(env.Ctx, nil, "db")
	require.NoError(t, err)
	assert.Empty(t, holder)
	_, err = env.Sched.Get(env.Ctx, nil, schedule.KindAckTimeout, "t-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResourceConflictWaitsWithoutBlockingOthers(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 2, domain.KindFix)

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-a", Kind: domain.KindFix, Resources: []string{"prod-db"}})
	require.NoError(t, err)
	b, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-b", Kind: domain.KindFix, Resources: []string{"prod-db"}})
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchWaiting, b.DispatchState)
	assert.Len(t, env.escalations(t, "t-b", escalation.KindResourceConflict), 1)

	c, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-c", Kind: domain.KindFix})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(c))

	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-a", "w1", domain.Result{Outcome: domain.OutcomeDone})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(env.task(t, "t-b")))
	assert.Len(t, env.escalations(t, "t-b", escalation.KindResourceConflict), 1, "deduplicated")
}

func TestFailedResultRetriesThenBlocks(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Router.MaxAttempts = 2 })
	env.worker(t, "w1", 1, domain.KindFix)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)

	task, err := env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeFailed, Reason: "flaky build"})
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(task))
	assert.Equal(t, 2, task.AttemptCount)
	assert.Equal(t, domain.StatusTodo, task.Status)

	task, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeFailed, Reason: "tests still red"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, task.Status)
	assert.Empty(t, worker(task))
	assert.Equal(t, "[FAILED] t-1: tests still red", task.FailureReport)
	assert.Len(t, env.escalations(t, "t-1", escalation.KindQualityGate), 1)
	assert.Equal(t, 0, env.load(t, "w1").CurrentLoad)

	task, err = env.Engine.Unblock(env.Ctx, "t-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTodo, task.Status)
	assert.Equal(t, "w1", worker(task))
	assert.Equal(t, 3, task.AttemptCount)
}

func TestRejectedAndBlockedResults(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindRelease)

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindRelease})
	require.NoError(t, err)
	task, err := env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckRejected)
	require.NoError(t, err)
	assert.Equal(t, 2, task.AttemptCount, "redispatched after rejection")

	task, err = env.Engine.OnAck(env.Ctx, "t-1", "w1", domain.AckClarification)
	require.NoError(t, err)
	assert.Equal(t, "w1", worker(task))
	assert.Len(t, env.escalations(t, "t-1", escalation.KindUnclearPolicy), 1)

	task, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeBlocked, Reason: "needs signing key"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusBlocked, task.Status)
	require.NotNil(t, task.BlockedFrom)
	assert.Equal(t, domain.StatusTodo, *task.BlockedFrom)
	assert.Len(t, env.escalations(t, "t-1", escalation.KindMissingDependency), 1)
}

func TestResultValidation(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Router.MaxSummaryBytes = 8 })
	env.worker(t, "w1", 1, domain.KindFix)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)

	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeDone, Summary: "far more than eight bytes"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: "MAYBE"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w2", domain.Result{Outcome: domain.OutcomeDone})
	assert.ErrorIs(t, err, domain.ErrNotAssigned)
	assert.Equal(t, "w1", worker(env.task(t, "t-1")))
}

func TestClosureNeedsEvidence(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker(t, "w1", 1, domain.KindFix)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)
	_, err = env.Engine.OnWorkerResult(env.Ctx, "t-1", "w1", domain.Result{Outcome: domain.OutcomeDone})
	require.NoError(t, err)
	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusHumanReview, "tester")
	require.NoError(t, err)

	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusDone, "tester")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.StatusHumanReview, env.task(t, "t-1").Status)

	for i, by := range []string{"alice", "bob", "alice"} {
		_, err = env.Engine.AttachEvidence(env.Ctx, "t-1", domain.Evidence{
			FailedRepros: []domain.ReproAttempt{{By: by, At: epoch.Add(time.Duration(i) * time.Minute), Detail: "no crash"}},
		}, by)
		require.NoError(t, err)
	}
	task, err := env.Engine.Transition(env.Ctx, "t-1", domain.StatusDone, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, task.Status)
	assert.NotNil(t, task.ArchivedAt)
	require.NotNil(t, task.Evidence)
	assert.Len(t, task.Evidence.FailedRepros, 3)
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindVerify})
	require.NoError(t, err)

	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusHumanReview, "tester")
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusTodo, invalid.From)

	task, err := env.Engine.Transition(env.Ctx, "t-1", domain.StatusBlocked, "tester")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchIdle, task.DispatchState)
	_, err = env.Engine.Transition(env.Ctx, "t-1", domain.StatusAIReview, "tester")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDeadlineEscalatesCriticalPath(t *testing.T) {
	env := newTestEnv(t, nil)
	deadline := epoch.Add(time.Hour)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindRelease, Deadline: &deadline})
	require.NoError(t, err)

	env.at(t, 30*time.Minute)
	assert.Empty(t, env.escalations(t, "t-1", escalation.KindCriticalPath))
	env.at(t, time.Hour)
	assert.Len(t, env.escalations(t, "t-1", escalation.KindCriticalPath), 1)
}

func TestSweepStaleFlagsOncePerIdlePeriod(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix, TicketRef: "org/repo#1"})
	require.NoError(t, err)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-2", Kind: domain.KindFix})
	require.NoError(t, err)

	n, err := env.Engine.SweepStale(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.at(t, 73*time.Hour)
	n, err = env.Engine.SweepStale(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = env.Engine.SweepStale(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	keys := env.opKeys(t, "t-1", "t-1:stale:")
	require.Len(t, keys, 1)
	op, err := env.Queue.GetByKey(env.Ctx, nil, keys[0])
	require.NoError(t, err)
	assert.Equal(t, outbox.KindTicketAddLabel, op.Kind)
	assert.Contains(t, string(op.Payload), "needs-attention")
	assert.Equal(t, domain.StatusTodo, env.task(t, "t-1").Status)
}

func TestRegisterWorkerValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := []domain.Worker{
		{ID: "", Capabilities: []domain.Kind{domain.KindFix}, MaxConcurrent: 1},
		{ID: "w1", Capabilities: []domain.Kind{domain.KindFix}},
		{ID: "w1", MaxConcurrent: 1},
		{ID: "w1", Capabilities: []domain.Kind{"deploy"}, MaxConcurrent: 1},
	}
	for i, w := range bad {
		_, err := env.Engine.RegisterWorker(env.Ctx, w, "tester")
		assert.ErrorIs(t, err, domain.ErrValidation, "case %d", i)
	}

	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{ID: "t-1", Kind: domain.KindFix})
	require.NoError(t, err)
	env.worker(t, "w1", 1, domain.KindFix)
	assert.Equal(t, "w1", worker(env.task(t, "t-1")), "registration drains the queue")
}
