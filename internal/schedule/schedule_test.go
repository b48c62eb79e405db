package schedule

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
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Scheduler, *sql.DB, *time.Time) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	now := start
	s := New(conn, time.Second, nil)
	s.Now = func() time.Time { return now }
	return s, conn, &now
}

func TestArmReplacesDeadline(t *testing.T) {
	s, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Arm(ctx, nil, KindAckTimeout, "t-1", start.Add(time.Minute), nil))
	require.NoError(t, s.Arm(ctx, nil, KindAckTimeout, "t-1", start.Add(2*time.Minute), map[string]int{"attempt": 2}))

	got, err := s.Get(ctx, nil, KindAckTimeout, "t-1")
	require.NoError(t, err)
	assert.True(t, got.DueAt.Equal(start.Add(2*time.Minute)))
	assert.JSONEq(t, `{"attempt":2}`, string(got.Payload))

	require.NoError(t, s.Cancel(ctx, nil, KindAckTimeout, "t-1"))
	_, err = s.Get(ctx, nil, KindAckTimeout, "t-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRunDueFiresInDeadlineOrder(t *testing.T) {
	s, _, now := setup(t)
	ctx := context.Background()
	var fired []string
	s.Handle(KindStallCheck, func(_ context.Context, tm Timer) error {
		fired = append(fired, tm.Ref)
		return nil
	})
	require.NoError(t, s.Arm(ctx, nil, KindStallCheck, "late", start.Add(2*time.Minute), nil))
	require.NoError(t, s.Arm(ctx, nil, KindStallCheck, "early", start.Add(time.Minute), nil))
	require.NoError(t, s.Arm(ctx, nil, KindStallCheck, "future", start.Add(time.Hour), nil))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	*now = start.Add(5 * time.Minute)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"early", "late"}, fired)

	_, err = s.Get(ctx, nil, KindStallCheck, "future")
	require.NoError(t, err)
}

func TestHandlerReArmSurvives(t *testing.T) {
	s, _, now := setup(t)
	ctx := context.Background()
	s.Handle(KindVerifyPass, func(ctx context.Context, tm Timer) error {
		return s.Arm(ctx, nil, KindVerifyPass, tm.Ref, s.Now().Add(45*time.Second), nil)
	})
	require.NoError(t, s.Arm(ctx, nil, KindVerifyPass, "run-1", start, nil))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, nil, KindVerifyPass, "run-1")
	require.NoError(t, err)
	assert.True(t, got.DueAt.Equal(now.Add(45*time.Second)))
}

func TestFailedHandlerRetriesAfterTick(t *testing.T) {
	s, _, now := setup(t)
	ctx := context.Background()
	calls := 0
	s.Handle(KindAckTimeout, func(context.Context, Timer) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, s.Arm(ctx, nil, KindAckTimeout, "t-1", start, nil))

	n, err := s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry waits one tick")

	*now = now.Add(time.Second)
	n, err = s.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls)
}

func TestTimersSurviveRestart(t *testing.T) {
	s, conn, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Arm(ctx, nil, KindAckTimeout, "t-1", start, nil))

	restarted := New(conn, time.Second, nil)
	restarted.Now = func() time.Time { return start.Add(time.Minute) }
	var refs []string
	restarted.Handle(KindAckTimeout, func(_ context.Context, tm Timer) error {
		refs = append(refs, tm.Ref)
		return nil
	})
	n, err := restarted.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"t-1"}, refs)
}
