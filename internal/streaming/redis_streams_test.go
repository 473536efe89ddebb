package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMirror(t *testing.T) (*Mirror, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewMirror(client, 100, time.Hour, zap.NewNop()), client
}

func TestMirrorAppendAndReplay(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()
	wf := "wf-mirror"

	for i := 1; i <= 3; i++ {
		mirror.Append(Event{
			WorkflowID: wf,
			Type:       "tool_call",
			Message:    "Using web_search",
			Seq:        uint64(i),
			Timestamp:  time.Now(),
		})
	}

	events, err := mirror.ReplaySince(ctx, wf, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, "tool_call", events[0].Type)

	// Replay past a cursor skips already-seen events.
	events, err = mirror.ReplaySince(ctx, wf, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Seq)
}

func TestMirrorStreamsAreIsolated(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	mirror.Append(Event{WorkflowID: "wf-a", Type: "thinking", Seq: 1})
	mirror.Append(Event{WorkflowID: "wf-b", Type: "thinking", Seq: 1})

	events, err := mirror.ReplaySince(ctx, "wf-a", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "wf-a", events[0].WorkflowID)
}

func TestMirrorDrop(t *testing.T) {
	mirror, client := newTestMirror(t)
	ctx := context.Background()
	wf := "wf-drop"

	mirror.Append(Event{WorkflowID: wf, Type: "thinking", Seq: 1})
	require.NoError(t, mirror.Drop(ctx, wf))

	exists, err := client.Exists(ctx, streamKey(wf)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

func TestManagerFeedsMirror(t *testing.T) {
	mirror, _ := newTestMirror(t)
	m := NewManager(16)
	m.SetMirror(mirror)
	wf := "wf-feed"

	m.Publish(wf, Event{WorkflowID: wf, Type: "tool_call", Message: "Using code_execution"})
	m.Publish(wf, Event{WorkflowID: wf, Type: "observation", Message: "done"})

	events, err := mirror.ReplaySince(context.Background(), wf, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
}
