package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func message(id, to string) domain.Message {
	return domain.Message{
		ID:       id,
		From:     "integrator",
		To:       to,
		Subject:  "review t-1",
		Priority: domain.PriorityHigh,
		Content:  domain.Content{Type: domain.ContentDelegation, Body: map[string]any{"task_id": "t-1"}},
		QueuedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMailboxDedupesByMessageID(t *testing.T) {
	ctx := context.Background()
	mb := Mailbox{DB: openDB(t)}

	first, err := mb.Send(ctx, message("m-1", "w1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	second, err := mb.Send(ctx, message("m-1", "w1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)

	msgs, err := mb.Poll(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ContentDelegation, msgs[0].Content.Type)
	assert.Equal(t, "t-1", msgs[0].Content.Body["task_id"])

	msgs, err = mb.Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "poll consumes")

	_, err = mb.Send(ctx, message("m-1", "w1"))
	require.NoError(t, err)
	msgs, err = mb.Poll(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, msgs, "replay after consumption is still a no-op")
}

func TestMailboxRejectsUntypedContent(t *testing.T) {
	mb := Mailbox{DB: openDB(t)}
	msg := message("m-2", "w1")
	msg.Content = domain.Content{}
	_, err := mb.Send(context.Background(), msg)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.True(t, IsPermanent(err))
}

func TestPushPostsToEndpointAndFallsBackToMailbox(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg domain.Message
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		mu.Lock()
		got = append(got, r.Header.Get("X-Fleetline-Message-Id"))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	conn := openDB(t)
	push := NewPush(Mailbox{DB: conn}, func(_ context.Context, agent string) (string, error) {
		if agent == "pushy" {
			return srv.URL, nil
		}
		return "", nil
	}, time.Second)

	ctx := context.Background()
	_, err := push.Send(ctx, message("m-1", "pushy"))
	require.NoError(t, err)
	_, err = push.Send(ctx, message("m-2", "poller"))
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"m-1"}, got)
	mu.Unlock()
	msgs, err := push.Poll(ctx, "poller")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-2", msgs[0].ID)
}

func TestPushClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()
	push := NewPush(Mailbox{DB: openDB(t)}, func(context.Context, string) (string, error) { return srv.URL, nil }, time.Second)

	_, err := push.Send(context.Background(), message("m-1", "w"))
	require.ErrorIs(t, err, domain.ErrDeliveryFailure)
	assert.False(t, IsPermanent(err))

	status.Store(http.StatusBadRequest)
	_, err = push.Send(context.Background(), message("m-2", "w"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	status.Store(http.StatusConflict)
	_, err = push.Send(context.Background(), message("m-3", "w"))
	require.NoError(t, err)
}
