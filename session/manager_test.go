package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/codexbot/store"
	"github.com/hrygo/codexbot/store/db/sqlite"
)

func newTestManager(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st := store.New(driver)
	t.Cleanup(func() {
		_ = st.Close()
	})
	require.NoError(t, st.Migrate(context.Background()))
	return NewManager(st, "main", nil), st
}

func TestGetOrCreate(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	first, err := mgr.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, "main", first.BotID)
	assert.Equal(t, store.SessionIdle, first.State)

	second, err := mgr.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	stored, err := st.GetSessionByUser(ctx, "main", 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, first.SessionID, stored.SessionID)
}

func TestMutatorsWriteThrough(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.SetState(ctx, 42, store.SessionRunning)
	require.NoError(t, err)
	_, err = mgr.SetResumeID(ctx, 42, "resume-abc")
	require.NoError(t, err)
	_, err = mgr.SetLastResult(ctx, 42, "answer")
	require.NoError(t, err)
	ts := 1712345678.5
	snapshot, err := mgr.SetJSONLState(ctx, 42, &ts, "beef")
	require.NoError(t, err)

	stored, err := st.GetSessionByUser(ctx, "main", 42)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, store.SessionRunning, stored.State)
	assert.Equal(t, "resume-abc", stored.ResumeID)
	assert.Equal(t, "answer", stored.LastResult)
	require.NotNil(t, stored.JSONLLastTS)
	assert.InDelta(t, ts, *stored.JSONLLastTS, 1e-6)
	assert.Equal(t, "beef", stored.JSONLLastHash)

	// In-memory snapshot and stored row agree field by field.
	assert.Equal(t, snapshot.State, stored.State)
	assert.Equal(t, snapshot.ResumeID, stored.ResumeID)
	assert.Equal(t, snapshot.LastResult, stored.LastResult)
	assert.InDelta(t, *snapshot.JSONLLastTS, *stored.JSONLLastTS, 1e-6)
	assert.Equal(t, snapshot.JSONLLastHash, stored.JSONLLastHash)
	assert.WithinDuration(t, snapshot.LastActivity, stored.LastActivity, time.Millisecond)
}

func TestRestartRestoresSession(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()

	created, err := mgr.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	_, err = mgr.SetResumeID(ctx, 42, "resume-abc")
	require.NoError(t, err)
	_, err = mgr.EnqueuePrompt(ctx, 42, "queued prompt")
	require.NoError(t, err)

	// A fresh manager over the same store simulates a restart: persisted
	// fields survive, the queue does not.
	restarted := NewManager(st, "main", nil)
	restored, err := restarted.GetOrCreate(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, created.SessionID, restored.SessionID)
	assert.Equal(t, "resume-abc", restored.ResumeID)
	assert.Empty(t, restored.Queue)
	assert.Empty(t, restored.CurrentRunID)
}

func TestQueueFIFO(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	n, err := mgr.EnqueuePrompt(ctx, 42, "first")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = mgr.EnqueuePrompt(ctx, 42, "second")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	length, err := mgr.QueueLen(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	prompt, err := mgr.DequeuePrompt(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "first", prompt)
	prompt, err = mgr.DequeuePrompt(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "second", prompt)
	prompt, err = mgr.DequeuePrompt(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, prompt)
}

func TestSetChatIDSeedsCursorBaseline(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	before := time.Now()
	snapshot, err := mgr.SetChatID(ctx, 42, 1001)
	require.NoError(t, err)
	assert.Equal(t, int64(1001), snapshot.LastChatID)
	require.NotNil(t, snapshot.JSONLLastTS)
	assert.GreaterOrEqual(t, *snapshot.JSONLLastTS, store.UnixSeconds(before))
	assert.Empty(t, snapshot.JSONLLastHash)

	// Rebinding must not move an existing baseline.
	seeded := *snapshot.JSONLLastTS
	snapshot, err = mgr.SetChatID(ctx, 42, 1002)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), snapshot.LastChatID)
	require.NotNil(t, snapshot.JSONLLastTS)
	assert.InDelta(t, seeded, *snapshot.JSONLLastTS, 1e-9)
}

func TestSetChatIDKeepsPartialCursor(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.SetJSONLState(ctx, 42, nil, "beef")
	require.NoError(t, err)

	snapshot, err := mgr.SetChatID(ctx, 42, 1001)
	require.NoError(t, err)
	assert.Nil(t, snapshot.JSONLLastTS)
	assert.Equal(t, "beef", snapshot.JSONLLastHash)
}

func TestSnapshotIsolation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.EnqueuePrompt(ctx, 42, "only")
	require.NoError(t, err)
	snapshot, err := mgr.GetOrCreate(ctx, 42)
	require.NoError(t, err)

	snapshot.Queue[0] = "mutated"
	length, err := mgr.QueueLen(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
	prompt, err := mgr.DequeuePrompt(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "only", prompt)
}
