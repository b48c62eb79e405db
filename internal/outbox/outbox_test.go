package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/migrate"
	"fleetline/internal/ticket"
	"fleetline/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func newQueue(t *testing.T, tr transport.Transport, tickets ticket.Adapter, opts Options) (*Queue, *clock) {
	t.Helper()
	conn := setupDB(t)
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if tr == nil {
		tr = transport.Mailbox{DB: conn, Now: clk.Now}
	}
	q := New(conn, tr, tickets, opts, nil, nil)
	q.Now = clk.Now
	return q, clk
}

func delegation(id, to string) domain.Message {
	return domain.Message{
		ID:       id,
		From:     "integrator",
		To:       to,
		Subject:  "review",
		Priority: domain.PriorityHigh,
		Content:  domain.Content{Type: domain.ContentDelegation, Body: map[string]any{"task_id": "t-1"}},
	}
}

func TestEnqueueDedupesByKey(t *testing.T) {
	q, _ := newQueue(t, nil, nil, Options{})
	ctx := context.Background()

	op, err := NewMessage(delegation("t-1:delegate:1", "w1"), "t-1")
	require.NoError(t, err)
	first, created, err := q.Enqueue(ctx, nil, op)
	require.NoError(t, err)
	assert.True(t, created)

	again, err := NewMessage(delegation("t-1:delegate:1", "w1"), "t-1")
	require.NoError(t, err)
	second, created, err := q.Enqueue(ctx, nil, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, StatePending, second.State)
}

func TestReplayAfterCrashSendsOnce(t *testing.T) {
	q, _ := newQueue(t, nil, nil, Options{})
	ctx := context.Background()
	mailbox := q.Transport.(transport.Mailbox)

	msg := delegation("t-1:delegate:1", "w1")
	op, err := NewMessage(msg, "t-1")
	require.NoError(t, err)
	stored, _, err := q.Enqueue(ctx, nil, op)
	require.NoError(t, err)

	// Crash after the send reached the mailbox but before the row was completed.
	require.NoError(t, q.setState(ctx, stored.ID, StatePending, StateInFlight, q.Now()))
	_, err = mailbox.Send(ctx, msg)
	require.NoError(t, err)

	restarted := New(q.DB, mailbox, nil, Options{}, nil, nil)
	restarted.Now = q.Now
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := restarted.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Done)

	report, err = restarted.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)

	inbox, err := mailbox.Poll(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, msg.ID, inbox[0].ID)

	got, err := restarted.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDone, got.State)
	assert.Equal(t, 1, got.Attempts)
}

func TestDelayDoublesUpToCap(t *testing.T) {
	q, _ := newQueue(t, nil, nil, Options{BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	assert.Equal(t, time.Second, q.delayFor(1))
	assert.Equal(t, 2*time.Second, q.delayFor(2))
	assert.Equal(t, 4*time.Second, q.delayFor(3))
	assert.Equal(t, 8*time.Second, q.delayFor(4))
	assert.Equal(t, 10*time.Second, q.delayFor(5))
	assert.Equal(t, 10*time.Second, q.delayFor(20))
}

type scriptedTransport struct {
	mu   sync.Mutex
	errs []error
	sent []string
}

func (s *scriptedTransport) Send(_ context.Context, msg domain.Message) (transport.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return transport.Receipt{}, err
		}
	}
	s.sent = append(s.sent, msg.ID)
	return transport.Receipt{MessageID: msg.ID}, nil
}

func (s *scriptedTransport) Poll(context.Context, string) ([]domain.Message, error) { return nil, nil }

func TestLaneHoldsBackLaterMessages(t *testing.T) {
	tr := &scriptedTransport{errs: []error{domain.ErrDeliveryFailure}}
	q, clk := newQueue(t, tr, nil, Options{BaseDelay: time.Second, BreakerFailures: 10})
	ctx := context.Background()

	for _, id := range []string{"m-1", "m-2"} {
		op, err := NewMessage(delegation(id, "w1"), "t-1")
		require.NoError(t, err)
		_, _, err = q.Enqueue(ctx, nil, op)
		require.NoError(t, err)
	}

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)
	assert.Equal(t, 1, report.Deferred)
	assert.Empty(t, tr.sent)

	clk.Advance(time.Second)
	report, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Done)
	assert.Equal(t, []string{"m-1", "m-2"}, tr.sent)
}

func TestUrgentOpLiftsItsLaneWithoutOvertaking(t *testing.T) {
	tr := &scriptedTransport{}
	q, _ := newQueue(t, tr, nil, Options{})
	ctx := context.Background()

	sends := []struct {
		id, to   string
		priority domain.Priority
	}{
		{"m-1", "w1", domain.PriorityLow},
		{"m-2", "w2", domain.PriorityNormal},
		{"m-3", "w1", domain.PriorityUrgent},
		{"m-4", "w3", domain.PriorityHigh},
	}
	for _, s := range sends {
		msg := delegation(s.id, s.to)
		msg.Priority = s.priority
		op, err := NewMessage(msg, "t-1")
		require.NoError(t, err)
		_, _, err = q.Enqueue(ctx, nil, op)
		require.NoError(t, err)
	}

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(sends), report.Done)
	assert.Equal(t, []string{"m-1", "m-3", "m-4", "m-2"}, tr.sent)
}

func TestPermanentFailureReported(t *testing.T) {
	tr := &scriptedTransport{errs: []error{&transport.RejectedError{Recipient: "w1", Status: 400, Reason: "bad envelope"}}}
	q, _ := newQueue(t, tr, nil, Options{})
	ctx := context.Background()
	var failed []Op
	q.OnFailed = func(_ context.Context, op Op, err error) {
		assert.True(t, errors.Is(err, domain.ErrDeliveryFailure))
		failed = append(failed, op)
	}

	op, err := NewMessage(delegation("m-1", "w1"), "t-1")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, nil, op)
	require.NoError(t, err)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.Equal(t, domain.DeliveryFailed, failed[0].DeliveryState())

	require.NoError(t, q.Requeue(ctx, failed[0].ID))
	report, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Done)
}

func TestRetriesExhaustedFails(t *testing.T) {
	tr := &scriptedTransport{errs: []error{domain.ErrDeliveryFailure, domain.ErrDeliveryFailure}}
	q, clk := newQueue(t, tr, nil, Options{MaxRetries: 2, BreakerFailures: 10})
	ctx := context.Background()
	var failures int
	q.OnFailed = func(context.Context, Op, error) { failures++ }

	op, err := NewMessage(delegation("m-1", "w1"), "")
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, nil, op)
	require.NoError(t, err)

	_, err = q.Flush(ctx)
	require.NoError(t, err)
	clk.Advance(time.Hour)
	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, failures)

	stats, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0, stats.Pending)
}

func TestTicketOutageQueuesAndDrainsInPriorityOrder(t *testing.T) {
	tickets := ticket.NewMemory()
	tickets.SetUnavailable(true)
	probe := 20 * time.Millisecond
	q, clk := newQueue(t, nil, tickets, Options{BreakerFailures: 3, ProbeInterval: probe, MaxRetries: 100})
	ctx := context.Background()

	writes := []struct {
		ref      string
		priority domain.Priority
	}{
		{"org/repo#1", domain.PriorityLow},
		{"org/repo#2", domain.PriorityNormal},
		{"org/repo#3", domain.PriorityUrgent},
		{"org/repo#4", domain.PriorityHigh},
	}
	for _, w := range writes {
		op, err := NewTicket(KindTicketAddLabel, w.ref+":attention", "", w.priority, TicketPayload{Ref: w.ref, Label: "needs-attention"})
		require.NoError(t, err)
		_, _, err = q.Enqueue(ctx, nil, op)
		require.NoError(t, err)
	}

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Retried)
	assert.Equal(t, 1, report.Deferred)

	const outageProbes = 3
	for i := 1; i <= outageProbes; i++ {
		clk.Advance(time.Hour)
		time.Sleep(probe + 10*time.Millisecond)
		report, err = q.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, report.Attempted)
		assert.Equal(t, i, tickets.Probes())
	}

	pending, err := q.List(ctx, ListFilter{State: StatePending})
	require.NoError(t, err)
	assert.Len(t, pending, len(writes))
	assert.Empty(t, tickets.Ops())

	tickets.SetUnavailable(false)
	clk.Advance(time.Hour)
	time.Sleep(probe + 10*time.Millisecond)
	report, err = q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(writes), report.Done)

	assert.Equal(t, []string{
		"add_label org/repo#3 needs-attention",
		"add_label org/repo#4 needs-attention",
		"add_label org/repo#2 needs-attention",
		"add_label org/repo#1 needs-attention",
	}, tickets.Ops())

	stats, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(writes), stats.Done)
	assert.Equal(t, "closed", stats.Breakers[string(TargetTicket)])
}

func TestCancelTaskDropsPending(t *testing.T) {
	q, _ := newQueue(t, nil, nil, Options{})
	ctx := context.Background()
	op, err := NewMessage(delegation("m-1", "w1"), "t-9")
	require.NoError(t, err)
	stored, _, err := q.Enqueue(ctx, nil, op)
	require.NoError(t, err)

	n, err := q.CancelTask(ctx, nil, "t-9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, q.MarkAcked(ctx, nil, stored.IdemKey))
	got, err := q.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.NotNil(t, got.AckedAt)

	report, err := q.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted)
}

func TestTicketOpsDroppedWithoutAdapter(t *testing.T) {
	q, _ := newQueue(t, nil, nil, Options{})
	ctx := context.Background()
	op, err := NewTicket(KindTicketAddLabel, "t-1:stale:1", "t-1", domain.PriorityLow, TicketPayload{Ref: "o/r#1", Label: "needs-attention"})
	require.NoError(t, err)
	_, created, err := q.Enqueue(ctx, nil, op)
	require.NoError(t, err)
	assert.False(t, created)

	stats, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}
