package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	mgr, err := NewManager(mr.Addr(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestCreateAndGetSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "proj-1", map[string]interface{}{"source": "web"})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := mgr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, "web", got.Metadata["source"])
}

func TestGetSessionSurvivesCacheFlush(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	// Drop the local cache to force a Redis round trip.
	mgr.mu.Lock()
	mgr.localCache = make(map[string]*Session)
	mgr.cacheAccess = make(map[string]time.Time)
	mgr.mu.Unlock()

	got, err := mgr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
}

func TestGetSessionNotFound(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.GetSession(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCreateSessionWithIDRejectsHijack(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s1, err := mgr.CreateSessionWithID(ctx, "fixed-id", "alice", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", s1.ID)

	// Same user gets the existing session back.
	again, err := mgr.CreateSessionWithID(ctx, "fixed-id", "alice", "", nil)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, again.ID)

	// Different user gets a fresh session under a generated ID.
	s2, err := mgr.CreateSessionWithID(ctx, "fixed-id", "mallory", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, "fixed-id", s2.ID)
	assert.Equal(t, "mallory", s2.UserID)
}

func TestAddMessageTrimsHistory(t *testing.T) {
	mgr := newTestManager(t)
	mgr.maxHistory = 5
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		err := mgr.AddMessage(ctx, s.ID, Message{Role: "user", Content: "hello"})
		require.NoError(t, err)
	}

	got, err := mgr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 5)
	for _, msg := range got.History {
		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	}
}

func TestRuntimeHistoryConversion(t *testing.T) {
	s := &Session{History: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}}

	hist := s.RuntimeHistory(2)
	require.Len(t, hist, 2)
	assert.Equal(t, "assistant", hist[0].Role)
	assert.Equal(t, "third", hist[1].Content)
}

func TestDeleteSession(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.DeleteSession(ctx, s.ID))

	_, err = mgr.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredSessionIsRejected(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	s.ExpiresAt = time.Now().Add(-time.Minute)
	mgr.mu.Lock()
	mgr.localCache[s.ID] = s
	mgr.mu.Unlock()

	_, err = mgr.GetSession(ctx, s.ID)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestGetUserSessions(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	_, err := mgr.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = mgr.CreateSession(ctx, "alice", "", nil)
	require.NoError(t, err)
	_, err = mgr.CreateSession(ctx, "bob", "", nil)
	require.NoError(t, err)

	sessions, err := mgr.GetUserSessions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestUpdateContext(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	s, err := mgr.CreateSession(ctx, "user-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, mgr.UpdateContext(ctx, s.ID, "last_workflow_id", "wf-42"))

	got, err := mgr.GetSession(ctx, s.ID)
	require.NoError(t, err)
	val, ok := got.GetContextValue("last_workflow_id")
	require.True(t, ok)
	assert.Equal(t, "wf-42", val)
}
