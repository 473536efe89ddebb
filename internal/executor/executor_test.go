package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/streaming"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// scriptedRuntime invokes every bound tool once, then returns its
// scripted outcome. Tool errors abort the run like a real runtime would.
type scriptedRuntime struct {
	answer    string
	runErr    error
	skipTools bool
	ran       bool
}

func (r *scriptedRuntime) Run(task string, tools []agentrt.ToolHandle, _ []agentrt.Message) (*agentrt.RunResult, error) {
	r.ran = true
	if !r.skipTools {
		for _, th := range tools {
			if _, err := th.Call(map[string]interface{}{"query": task}); err != nil {
				return nil, err
			}
		}
	}
	if r.runErr != nil {
		return nil, r.runErr
	}
	return &agentrt.RunResult{Output: r.answer, Success: true}, nil
}

// emittingTool behaves like a production tool: cancellation check at the
// boundary, then emit, execute, observe.
func emittingTool(name, result string, reg *workflowctx.CancelRegistry, after func()) ToolBinder {
	return func(tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle {
		return []agentrt.ToolHandle{{
			Name: name,
			Call: func(params map[string]interface{}) (string, error) {
				if err := workflowctx.CheckCancellation(wc, reg); err != nil {
					return "", err
				}
				started := time.Now()
				tr.EmitToolCall(name, params, false)
				tr.ObserveToolResult(name, params, result, started, nil)
				if after != nil {
					after()
				}
				return result, nil
			},
		}}
	}
}

func noTools(tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle {
	return nil
}

func newTestExecutor(t *testing.T) (*Executor, *events.Queue, *streaming.Manager, *workflowctx.CancelRegistry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	queue := events.NewQueue(64, logger)
	stream := streaming.NewManager(64)
	registry := workflowctx.NewCancelRegistry()
	exec := New(queue, stream, nil, registry, Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  50 * time.Millisecond,
	}, logger)
	return exec, queue, stream, registry
}

func collect(ch chan streaming.Event) []streaming.Event {
	var out []streaming.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func TestExecuteHappyPath(t *testing.T) {
	exec, queue, stream, registry := newTestExecutor(t)
	wf := "wf-happy"

	sub := stream.Subscribe(wf, 16)
	defer stream.Unsubscribe(wf, sub)

	rt := &scriptedRuntime{answer: "Paris is the capital of France."}
	result, err := exec.Execute(context.Background(), Request{
		WorkflowID: wf,
		Task:       "what is the capital of France",
		UserID:     "user-1",
		Mode:       "standard",
	}, rt, emittingTool("web_search", "France's capital is Paris", registry, nil), nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "Paris is the capital of France.", result.Output)
	assert.True(t, rt.ran)

	got := collect(sub)
	require.NotEmpty(t, got)
	assert.Equal(t, "tool_call", got[0].Type)
	assert.Equal(t, wf, got[0].WorkflowID)

	// No leaks: queue unregistered, cancellation entry gone.
	assert.False(t, queue.IsRegistered(wf))
	assert.False(t, registry.IsCancelled(wf))
}

func TestCancelBeforeDispatchSkipsRuntime(t *testing.T) {
	exec, queue, _, registry := newTestExecutor(t)
	wf := "wf-precancel"

	registry.Mark(wf)

	rt := &scriptedRuntime{answer: "unused"}
	result, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "anything"}, rt, noTools, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.False(t, rt.ran, "runtime must not run for a pre-cancelled workflow")
	assert.Equal(t, 0, result.StepsSaved)
	assert.False(t, queue.IsRegistered(wf))
	assert.False(t, registry.IsCancelled(wf), "cleanup must clear the cancellation entry")
}

func TestZeroToolCallsStillCompletes(t *testing.T) {
	exec, _, stream, _ := newTestExecutor(t)
	wf := "wf-notools"

	sub := stream.Subscribe(wf, 16)
	defer stream.Unsubscribe(wf, sub)

	rt := &scriptedRuntime{answer: "Just a direct answer.", skipTools: true}
	result, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "hello"}, rt, noTools, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "Just a direct answer.", result.Output)
	assert.Empty(t, collect(sub))
}

func TestCancelBetweenToolsEndsCancelled(t *testing.T) {
	exec, queue, stream, registry := newTestExecutor(t)
	wf := "wf-midcancel"

	sub := stream.Subscribe(wf, 16)
	defer stream.Unsubscribe(wf, sub)

	// First tool succeeds and then flags cancellation; the runtime's next
	// boundary check surfaces it.
	binder := func(tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle {
		first := emittingTool("web_search", "results", registry, func() { registry.Mark(wf) })(tr, wc)
		second := emittingTool("code_execution", "unused", registry, nil)(tr, wc)
		return append(first, second...)
	}

	rt := &scriptedRuntime{answer: "unused"}
	result, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "long job"}, rt, binder, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)

	got := collect(sub)
	require.NotEmpty(t, got, "the completed first tool's event must still stream")
	assert.Equal(t, "tool_call", got[0].Type)
	for _, e := range got {
		assert.NotEqual(t, "code_execution", e.Data["tool_name"], "second tool must never start")
	}

	assert.False(t, queue.IsRegistered(wf))
	assert.False(t, registry.IsCancelled(wf))
}

func TestRuntimeErrorFailsRun(t *testing.T) {
	exec, queue, _, registry := newTestExecutor(t)
	wf := "wf-error"

	rt := &scriptedRuntime{runErr: errors.New("model unavailable"), skipTools: true}
	result, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "anything"}, rt, noTools, nil)

	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.False(t, queue.IsRegistered(wf))
	assert.False(t, registry.IsCancelled(wf))
}

func TestConcurrentWorkflowsAreIsolated(t *testing.T) {
	exec, _, stream, registry := newTestExecutor(t)

	subA := stream.Subscribe("wf-a", 64)
	subB := stream.Subscribe("wf-b", 64)
	defer stream.Unsubscribe("wf-a", subA)
	defer stream.Unsubscribe("wf-b", subB)

	done := make(chan struct{}, 2)
	for _, wf := range []string{"wf-a", "wf-b"} {
		wf := wf
		go func() {
			rt := &scriptedRuntime{answer: "done"}
			_, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "same tool"}, rt,
				emittingTool("web_search", "results for "+wf, registry, nil), nil)
			assert.NoError(t, err)
			done <- struct{}{}
		}()
	}
	<-done
	<-done

	for _, e := range collect(subA) {
		assert.Equal(t, "wf-a", e.WorkflowID)
	}
	for _, e := range collect(subB) {
		assert.Equal(t, "wf-b", e.WorkflowID)
	}
}

func TestFollowUpsOnSuccess(t *testing.T) {
	exec, _, _, _ := newTestExecutor(t)
	exec.SetFollowUpSuggester(NewKeywordSuggester())

	rt := &scriptedRuntime{answer: "Here you go: [chart:rev.png 640x480]", skipTools: true}
	result, err := exec.Execute(context.Background(), Request{WorkflowID: "wf-fup", Task: "plot revenue by quarter please"}, rt, noTools, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.NotEmpty(t, result.FollowUps)
	assert.LessOrEqual(t, len(result.FollowUps), 3)
}

// waitingRuntime loops at a cancellation checkpoint until its workflow
// is marked, then stops cooperatively.
type waitingRuntime struct {
	reg *workflowctx.CancelRegistry
	wf  string
}

func (r *waitingRuntime) Run(_ string, _ []agentrt.ToolHandle, _ []agentrt.Message) (*agentrt.RunResult, error) {
	deadline := time.After(2 * time.Second)
	for !r.reg.IsCancelled(r.wf) {
		select {
		case <-deadline:
			return nil, errors.New("cancellation never observed")
		case <-time.After(2 * time.Millisecond):
		}
	}
	return nil, workflowctx.ErrCancelled
}

func TestContextCancelMarksRegistry(t *testing.T) {
	exec, queue, _, registry := newTestExecutor(t)
	wf := "wf-ctxcancel"

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()
	defer cancel()

	rt := &waitingRuntime{reg: registry, wf: wf}
	result, err := exec.Execute(ctx, Request{WorkflowID: wf, Task: "long job"}, rt, noTools, nil)

	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.False(t, queue.IsRegistered(wf))
	assert.False(t, registry.IsCancelled(wf), "cleanup must clear the cancellation entry")
}

func TestFinishedRunReleasesReplayHistory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	queue := events.NewQueue(64, logger)
	stream := streaming.NewManager(64)
	registry := workflowctx.NewCancelRegistry()
	exec := New(queue, stream, nil, registry, Config{
		PollInterval:     5 * time.Millisecond,
		GracePeriod:      50 * time.Millisecond,
		HistoryRetention: -1,
	}, logger)
	wf := "wf-release"

	rt := &scriptedRuntime{answer: "done"}
	_, err := exec.Execute(context.Background(), Request{WorkflowID: wf, Task: "find things"}, rt,
		emittingTool("web_search", "results", registry, nil), nil)
	require.NoError(t, err)

	assert.Empty(t, stream.ReplaySince(wf, 0), "replay ring must be dropped once the run is over")
}
