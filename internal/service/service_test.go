package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/executor"
	"github.com/relay-ai/orchestrator/internal/streaming"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// blockingRuntime holds the workflow open until released, so tests can
// observe and cancel in-flight runs deterministically.
type blockingRuntime struct {
	started chan string
	release chan struct{}
}

func newBlockingRuntime() *blockingRuntime {
	return &blockingRuntime{
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
}

func (r *blockingRuntime) Run(task string, _ []agentrt.ToolHandle, _ []agentrt.Message) (*agentrt.RunResult, error) {
	r.started <- task
	<-r.release
	return &agentrt.RunResult{Output: "done: " + task, Success: true}, nil
}

func noTools(_ *tracker.Tracker, _ *workflowctx.Context) []agentrt.ToolHandle { return nil }

func newTestOrchestrator(t *testing.T, rt agentrt.Runtime, poolSize int, limiter *UserLimiter) *Orchestrator {
	t.Helper()
	logger := zaptest.NewLogger(t)
	queue := events.NewQueue(64, logger)
	stream := streaming.NewManager(64)
	registry := workflowctx.NewCancelRegistry()
	exec := executor.New(queue, stream, nil, registry, executor.Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  20 * time.Millisecond,
	}, logger)
	return NewOrchestrator(exec, executor.NewPool(poolSize), registry, rt, noTools, nil, limiter, logger)
}

func TestStartWorkflowReturnsID(t *testing.T) {
	rt := newBlockingRuntime()
	o := newTestOrchestrator(t, rt, 4, nil)

	id, err := o.StartWorkflow(context.Background(), StartRequest{Task: "hello", UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	<-rt.started
	assert.True(t, o.IsActive(id))
	assert.Equal(t, 1, o.ActiveCount())

	close(rt.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCompleted, result.Status)
	assert.False(t, o.IsActive(id))
}

func TestStartWorkflowRejectsEmptyTask(t *testing.T) {
	o := newTestOrchestrator(t, newBlockingRuntime(), 4, nil)

	_, err := o.StartWorkflow(context.Background(), StartRequest{Task: "   "})
	assert.ErrorIs(t, err, ErrEmptyTask)
	assert.Equal(t, 0, o.ActiveCount())
}

func TestCancelWorkflowIdempotent(t *testing.T) {
	rt := newBlockingRuntime()
	o := newTestOrchestrator(t, rt, 4, nil)

	id, err := o.StartWorkflow(context.Background(), StartRequest{Task: "work", UserID: "u1"})
	require.NoError(t, err)
	<-rt.started

	assert.True(t, o.CancelWorkflow(id), "first cancel takes effect")
	assert.False(t, o.CancelWorkflow(id), "second cancel is a no-op")
	assert.False(t, o.CancelWorkflow("no-such-workflow"))

	close(rt.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := o.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCancelled, result.Status)

	// Finished workflows cannot be cancelled.
	assert.False(t, o.CancelWorkflow(id))
}

func TestPoolSaturationRejectsStart(t *testing.T) {
	rt := newBlockingRuntime()
	o := newTestOrchestrator(t, rt, 1, nil)

	id, err := o.StartWorkflow(context.Background(), StartRequest{Task: "first", UserID: "u1"})
	require.NoError(t, err)
	<-rt.started

	_, err = o.StartWorkflow(context.Background(), StartRequest{Task: "second", UserID: "u1"})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, o.ActiveCount(), "rejected start must not linger in the active map")

	close(rt.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = o.Wait(ctx, id)
	require.NoError(t, err)
}

func TestCancelProjectScopesToProject(t *testing.T) {
	rt := newBlockingRuntime()
	o := newTestOrchestrator(t, rt, 4, nil)

	idA, err := o.StartWorkflow(context.Background(), StartRequest{Task: "a", UserID: "u1", ProjectID: "proj-1"})
	require.NoError(t, err)
	idB, err := o.StartWorkflow(context.Background(), StartRequest{Task: "b", UserID: "u2", ProjectID: "proj-2"})
	require.NoError(t, err)
	<-rt.started
	<-rt.started

	assert.Equal(t, 1, o.CancelProject("proj-1"))
	assert.Equal(t, 0, o.CancelProject("proj-1"), "repeat cancel finds nothing new")

	close(rt.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resA, err := o.Wait(ctx, idA)
	require.NoError(t, err)
	resB, err := o.Wait(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusCancelled, resA.Status)
	assert.Equal(t, executor.StatusCompleted, resB.Status)
}

func TestUserLimiterThrottles(t *testing.T) {
	limiter := NewUserLimiter(60, 2)

	assert.True(t, limiter.Allow("u1"))
	assert.True(t, limiter.Allow("u1"))
	assert.False(t, limiter.Allow("u1"), "burst exhausted")

	// A different user has their own bucket.
	assert.True(t, limiter.Allow("u2"))
}

func TestStartWorkflowRateLimited(t *testing.T) {
	rt := newBlockingRuntime()
	o := newTestOrchestrator(t, rt, 8, NewUserLimiter(60, 1))

	id, err := o.StartWorkflow(context.Background(), StartRequest{Task: "one", UserID: "u1"})
	require.NoError(t, err)
	<-rt.started

	_, err = o.StartWorkflow(context.Background(), StartRequest{Task: "two", UserID: "u1"})
	assert.ErrorIs(t, err, ErrRateLimited)

	close(rt.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = o.Wait(ctx, id)
	require.NoError(t, err)
}
