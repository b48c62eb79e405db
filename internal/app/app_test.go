package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/logging"
)

func openApp(t *testing.T, workspace string, tweak func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = []config.WorkerConfig{{ID: "w1", Capabilities: []string{"review", "fix"}, MaxConcurrent: 2}}
	if tweak != nil {
		tweak(cfg)
	}
	require.NoError(t, cfg.Validate())
	a, err := Open(context.Background(), Options{Workspace: workspace, Config: cfg, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestOpenRegistersConfiguredWorkers(t *testing.T) {
	a := openApp(t, t.TempDir(), nil)
	workers, err := a.Engine.ListWorkers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.Equal(t, "w1", workers[0].ID)
	require.Equal(t, domain.WorkerAvailable, workers[0].State)
	require.NotNil(t, a.Tickets)
	require.NotNil(t, a.Metrics)
}

func TestSubmittedTaskReachesWorkerMailbox(t *testing.T) {
	ctx := context.Background()
	a := openApp(t, t.TempDir(), nil)

	task, err := a.Engine.Submit(ctx, engine.SubmitOptions{ID: "T-1", Kind: domain.KindReview, Status: domain.StatusTodo, Actor: "tester"})
	require.NoError(t, err)
	require.Equal(t, domain.DispatchAwaitingAck, task.DispatchState)

	_, err = a.FlushOnce(ctx)
	require.NoError(t, err)
	msgs, err := a.Transport.Poll(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.ContentDelegation, msgs[0].Content.Type)
	require.Equal(t, "integrator", msgs[0].From)
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	a := openApp(t, ws, nil)
	_, err := a.Engine.Submit(ctx, engine.SubmitOptions{ID: "T-1", Kind: domain.KindFix, Status: domain.StatusBacklog})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b := openApp(t, ws, nil)
	task, err := b.Engine.GetTaskStatus(ctx, "T-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusBacklog, task.Status)
}

func TestTicketKindNoneLeavesAdapterUnset(t *testing.T) {
	a := openApp(t, t.TempDir(), func(c *config.Config) {
		c.Ticket.Kind = "none"
		c.Telemetry.Metrics = false
	})
	require.Nil(t, a.Tickets)
	require.Nil(t, a.Metrics)
}
