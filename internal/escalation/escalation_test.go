package escalation

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/migrate"
	"fleetline/internal/outbox"
	"fleetline/internal/transport"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	conn    *sql.DB
	queue   *outbox.Queue
	mailbox transport.Mailbox
	mgr     *Manager
	now     *time.Time
}

func setup(t *testing.T) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	now := start
	clock := func() time.Time { return now }
	mailbox := transport.Mailbox{DB: conn, Now: clock}
	queue := outbox.New(conn, mailbox, nil, outbox.Options{}, nil, nil)
	queue.Now = clock
	mgr := New(conn, queue, Options{Coordinator: "lead", Cooldown: 15 * time.Minute}, nil, nil)
	mgr.Now = clock
	return fixture{conn: conn, queue: queue, mailbox: mailbox, mgr: mgr, now: &now}
}

func TestUrgencyMapping(t *testing.T) {
	assert.Equal(t, UrgencyImmediate, UrgencyFor(KindSecurity))
	assert.Equal(t, UrgencyImmediate, UrgencyFor(KindCriticalPath))
	assert.Equal(t, UrgencyShort, UrgencyFor(KindQualityGate))
	assert.Equal(t, UrgencyShort, UrgencyFor(KindWorkerUnresponsive))
	assert.Equal(t, UrgencyNormal, UrgencyFor(KindUnclearPolicy))
	assert.Equal(t, UrgencyNormal, UrgencyFor(KindResourceConflict))
}

func TestEscalateDeliversThroughOutbox(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	esc, created, err := f.mgr.Escalate(ctx, nil, Request{Kind: KindQualityGate, TaskID: "t-1", Context: map[string]any{"reason": "tests red"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, UrgencyShort, esc.Urgency)
	require.NotNil(t, esc.DueBy)
	assert.True(t, esc.DueBy.Equal(start.Add(time.Hour)))

	op, err := f.queue.GetByKey(ctx, nil, esc.DeliveryKey)
	require.NoError(t, err)
	assert.Equal(t, "agent:lead", op.Lane)
	assert.Equal(t, domain.PriorityHigh, op.Priority)

	_, err = f.queue.Flush(ctx)
	require.NoError(t, err)
	inbox, err := f.mailbox.Poll(ctx, "lead")
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, domain.ContentEscalation, inbox[0].Content.Type)
	assert.Equal(t, "t-1", inbox[0].Content.Body["task_id"])
}

func TestDedupeWithinCooldown(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := Request{Kind: KindResourceConflict, TaskID: "t-1"}

	first, created, err := f.mgr.Escalate(ctx, nil, req)
	require.NoError(t, err)
	require.True(t, created)

	*f.now = start.Add(10 * time.Minute)
	again, created, err := f.mgr.Escalate(ctx, nil, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	// A fresh manager has an empty cache and falls back to the table.
	restarted := New(f.conn, f.queue, Options{Coordinator: "lead", Cooldown: 15 * time.Minute}, nil, nil)
	restarted.Now = f.mgr.Now
	again, created, err = restarted.Escalate(ctx, nil, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, created, err = f.mgr.Escalate(ctx, nil, Request{Kind: KindQualityGate, TaskID: "t-1"})
	require.NoError(t, err)
	assert.True(t, created, "different kind is not a repeat")

	*f.now = start.Add(16 * time.Minute)
	later, created, err := f.mgr.Escalate(ctx, nil, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, later.ID)

	all, err := f.mgr.List(ctx, ListFilter{TaskID: "t-1", Kind: KindResourceConflict})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRolledBackEscalationIsNotRemembered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	req := Request{Kind: KindQualityGate, TaskID: "t-1"}

	tx, err := f.conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	lost, created, err := f.mgr.Escalate(ctx, tx, req)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := f.mgr.Escalate(ctx, tx, req)
	require.NoError(t, err)
	assert.False(t, created, "same transaction sees its own row")
	assert.Equal(t, lost.ID, again.ID)
	require.NoError(t, tx.Rollback())

	*f.now = start.Add(time.Minute)
	esc, created, err := f.mgr.Escalate(ctx, nil, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, lost.ID, esc.ID)

	all, err := f.mgr.List(ctx, ListFilter{TaskID: "t-1"})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, esc.ID, all[0].ID)
}

func TestFailedEscalationDeliveryDoesNotLoop(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	esc, _, err := f.mgr.Escalate(ctx, nil, Request{Kind: KindSecurity, TaskID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, UrgencyImmediate, esc.Urgency)
	op, err := f.queue.GetByKey(ctx, nil, esc.DeliveryKey)
	require.NoError(t, err)

	f.mgr.OnDeliveryFailed(ctx, op, errors.New("coordinator unreachable"))
	open, err := f.mgr.List(ctx, ListFilter{Kind: KindDeliveryFailure})
	require.NoError(t, err)
	assert.Empty(t, open)

	f.mgr.OnDeliveryFailed(ctx, outbox.Op{ID: "op-1", IdemKey: "t-2:delegate:1", Kind: outbox.KindMessageSend, TaskID: "t-2", Attempts: 8}, domain.ErrDeliveryFailure)
	open, err = f.mgr.List(ctx, ListFilter{Kind: KindDeliveryFailure})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "t-2", open[0].TaskID)
	assert.Equal(t, float64(8), open[0].Context["attempts"])
}

func TestAcknowledge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	esc, _, err := f.mgr.Escalate(ctx, nil, Request{Kind: KindUnclearPolicy, TaskID: "t-1"})
	require.NoError(t, err)

	acked, err := f.mgr.Acknowledge(ctx, esc.ID, "lead")
	require.NoError(t, err)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, "lead", acked.AcknowledgedBy)

	op, err := f.queue.GetByKey(ctx, nil, esc.DeliveryKey)
	require.NoError(t, err)
	assert.NotNil(t, op.AckedAt)

	open, err := f.mgr.List(ctx, ListFilter{OpenOnly: true})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.mgr.Acknowledge(ctx, "missing", "lead")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRejectsUnknownKind(t *testing.T) {
	f := setup(t)
	_, _, err := f.mgr.Escalate(context.Background(), nil, Request{Kind: "panic"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
