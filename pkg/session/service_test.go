package session

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "relayd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := New(db, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestCreateSessionIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", map[string]interface{}{"k": "v"})
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = svc.AppendEvent(ctx, first, Event{Author: "user", Content: "hello"})
	require.NoError(t, err)

	// A second create must return the existing session, events intact.
	again, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, again.Events, 1)
	assert.Equal(t, "v", again.State["k"])
}

func TestCreateSessionMintsIDWhenEmpty(t *testing.T) {
	svc := newTestService(t)

	sess, err := svc.CreateSession(context.Background(), "master_agent", "relay", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
}

func TestGetSessionAbsentReturnsNil(t *testing.T) {
	svc := newTestService(t)

	sess, err := svc.GetSession(context.Background(), "master_agent", "relay", "missing")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAppendEventPersists(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
	require.NoError(t, err)

	ev, err := svc.AppendEvent(ctx, sess, Event{Author: "user", Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	loaded, err := svc.GetSession(ctx, "master_agent", "relay", "c1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Len(t, loaded.Events, 1)
	assert.Equal(t, "hello", loaded.Events[0].Content)
}

func TestAppendEventSkipsPartialPersistence(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
	require.NoError(t, err)

	_, err = svc.AppendEvent(ctx, sess, Event{Author: "model", Content: "chu", Partial: true})
	require.NoError(t, err)
	assert.Len(t, sess.Events, 1)

	// The partial fragment never reached storage.
	loaded, err := svc.GetSession(ctx, "master_agent", "relay", "c1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Events)

	_, err = svc.AppendEvent(ctx, sess, Event{Author: "model", Content: "chunk done"})
	require.NoError(t, err)

	loaded, err = svc.GetSession(ctx, "master_agent", "relay", "c1")
	require.NoError(t, err)
	assert.Len(t, loaded.Events, 2)
}

func TestAppendEventTrimsToMaxEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sess, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
	require.NoError(t, err)

	for i := 0; i < MaxEvents+20; i++ {
		_, err := svc.AppendEvent(ctx, sess, Event{
			Author:  "user",
			Content: fmt.Sprintf("event %d", i),
		})
		require.NoError(t, err)
	}

	loaded, err := svc.GetSession(ctx, "master_agent", "relay", "c1")
	require.NoError(t, err)
	require.Len(t, loaded.Events, MaxEvents)
	assert.Equal(t, fmt.Sprintf("event %d", MaxEvents+19), loaded.Events[len(loaded.Events)-1].Content)
}

func TestListSessionsScopedToAppAndUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "master_agent", "alice", "a1", nil)
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "master_agent", "alice", "a2", nil)
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "master_agent", "bob", "b1", nil)
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "other_app", "alice", "x1", nil)
	require.NoError(t, err)

	sessions, err := svc.ListSessions(ctx, "master_agent", "alice")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "alice", s.UserID)
		assert.Empty(t, s.Events)
		assert.Empty(t, s.State)
	}
}

func TestDeleteSession(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "master_agent", "relay", "c1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSession(ctx, "master_agent", "relay", "c1"))

	sess, err := svc.GetSession(ctx, "master_agent", "relay", "c1")
	require.NoError(t, err)
	assert.Nil(t, sess)

	// Deleting again is a no-op.
	require.NoError(t, svc.DeleteSession(ctx, "master_agent", "relay", "c1"))
}

func TestPruneOlderThan(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stale, err := svc.CreateSession(ctx, "master_agent", "relay", "stale", nil)
	require.NoError(t, err)
	fresh, err := svc.CreateSession(ctx, "master_agent", "relay", "fresh", nil)
	require.NoError(t, err)

	// Backdate the stale session past the retention window.
	stale.LastUpdateTime = time.Now().Add(-48 * time.Hour)
	require.NoError(t, svc.save(ctx, stale))

	pruned, err := svc.PruneOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	gone, err := svc.GetSession(ctx, "master_agent", "relay", "stale")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := svc.GetSession(ctx, "master_agent", "relay", fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestValidateKeyRejectsBadInput(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSession(ctx, "", "relay", "c1", nil)
	assert.Error(t, err)

	_, err = svc.GetSession(ctx, "master_agent", "", "c1")
	assert.Error(t, err)

	err = svc.DeleteSession(ctx, "master_agent", "relay", "bad\x00id")
	assert.Error(t, err)
}
