// Package tracker converts the agent runtime's flat sequence of tool calls
// into a hierarchical trace: delegations to sub-agents become aggregating
// steps that absorb the tools the sub-agent used internally, while direct
// manager-level tool calls surface as ordinary steps.
package tracker

import (
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/metrics"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// Tracker observes tool invocations for one workflow. Exactly one dispatched
// agent run exists per workflow, so tool start/result pairs arrive in order
// on a single goroutine; the mutex only guards against the executor reading
// the open-step bookkeeping concurrently.
type Tracker struct {
	wc     *workflowctx.Context
	queue  *events.Queue
	buffer *StepBuffer
	logger *zap.Logger

	agentNames map[string]struct{}

	mu         sync.Mutex
	openTool   *Step
	agentSteps map[string]*Step
}

// New creates a tracker bound to a workflow context. agentNames is the set
// of delegation tool names, i.e. tools whose target is a registered
// sub-agent.
func New(wc *workflowctx.Context, queue *events.Queue, buffer *StepBuffer, agentNames []string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make(map[string]struct{}, len(agentNames))
	for _, n := range agentNames {
		names[n] = struct{}{}
	}
	return &Tracker{
		wc:         wc,
		queue:      queue,
		buffer:     buffer,
		logger:     logger,
		agentNames: names,
		agentSteps: make(map[string]*Step),
	}
}

// IsAgent reports whether a tool name targets a registered sub-agent.
func (t *Tracker) IsAgent(toolName string) bool {
	_, ok := t.agentNames[toolName]
	return ok
}

// EmitToolCall is called at the start of a tool or delegation invocation.
// It returns whether an event was actually emitted: tool calls observed
// while a delegation entry is open are aggregated into that entry instead
// of becoming top-level events.
func (t *Tracker) EmitToolCall(toolName string, params map[string]interface{}, isAgent bool) bool {
	if isAgent {
		return t.openDelegation(toolName, params)
	}

	if t.wc.CurrentDelegation() != nil {
		// Sub-agent tool usage is an implementation detail of the
		// delegation; it is attributed on the result, not emitted here.
		return false
	}

	stepNumber := t.wc.Counter.Next()
	step := &Step{
		StepNumber: stepNumber,
		Type:       StepToolExecution,
		Title:      fmt.Sprintf("Using %s", toolName),
		Status:     StatusRunning,
		ToolName:   toolName,
		StartedAt:  time.Now(),
	}
	t.buffer.Append(step)

	t.mu.Lock()
	t.openTool = step
	t.mu.Unlock()

	t.put(events.Event{
		WorkflowID: t.wc.WorkflowID,
		Type:       events.EventToolCall,
		Timestamp:  time.Now(),
		StepNumber: stepNumber,
		Title:      step.Title,
		ToolName:   toolName,
		ToolParams: params,
	})
	return true
}

// openDelegation opens an aggregating entry for a sub-agent and emits a
// single agent_call event carrying the delegation task text.
func (t *Tracker) openDelegation(agentName string, params map[string]interface{}) bool {
	task, _ := params["task"].(string)
	stepNumber := t.wc.Counter.Next()

	if !t.wc.PushDelegation(agentName, task, stepNumber) {
		t.logger.Warn("Delegation already open for agent, skipping duplicate entry",
			zap.String("workflow_id", t.wc.WorkflowID),
			zap.String("agent", agentName),
		)
		return false
	}

	step := &Step{
		StepNumber: stepNumber,
		Type:       StepAgentExecution,
		Title:      fmt.Sprintf("Delegating to %s", agentName),
		Status:     StatusRunning,
		AgentName:  agentName,
		AgentTask:  task,
		StartedAt:  time.Now(),
	}
	t.buffer.Append(step)

	t.mu.Lock()
	t.agentSteps[agentName] = step
	t.mu.Unlock()

	metrics.AgentDelegations.WithLabelValues(agentName).Inc()
	t.put(events.Event{
		WorkflowID:  t.wc.WorkflowID,
		Type:        events.EventAgentCall,
		Timestamp:   time.Now(),
		StepNumber:  stepNumber,
		Title:       step.Title,
		Description: task,
		ToolName:    agentName,
	})
	return true
}

// ObserveToolResult is called with a tool's result once its invocation
// returns. For delegation tools it closes the open entry and emits the
// summarizing observation; for tools under an open delegation it attributes
// the use to that entry; for direct tool calls it completes the step.
func (t *Tracker) ObserveToolResult(toolName string, params map[string]interface{}, result string, started time.Time, callErr error) {
	duration := time.Since(started)
	success := callErr == nil && !looksLikeError(result)
	if callErr != nil && result == "" {
		result = callErr.Error()
	}
	metrics.RecordToolMetrics(toolName, success, float64(duration.Milliseconds()))

	if t.IsAgent(toolName) {
		t.closeDelegation(toolName, result, success)
		return
	}

	if t.wc.CurrentDelegation() != nil {
		t.wc.AttributeTool(workflowctx.ToolUse{
			Name:       toolName,
			Params:     params,
			Result:     truncate(result, 2000),
			DurationMs: duration.Milliseconds(),
			Success:    success,
		})
		return
	}

	t.mu.Lock()
	step := t.openTool
	t.openTool = nil
	t.mu.Unlock()
	if step == nil || step.ToolName != toolName {
		// Result without a matching start; record it as a bare step so
		// the trace stays complete.
		step = t.buffer.Append(&Step{
			StepNumber: t.wc.Counter.Current(),
			Type:       StepToolExecution,
			Title:      fmt.Sprintf("Using %s", toolName),
			ToolName:   toolName,
			StartedAt:  started,
		})
	}

	now := time.Now()
	step.ToolResult = truncate(result, 8000)
	step.CompletedAt = &now
	if success {
		step.Status = StatusCompleted
	} else {
		step.Status = StatusFailed
	}
	if viz := ExtractVisualization(result); viz != nil {
		if step.Metadata == nil {
			step.Metadata = make(map[string]interface{})
		}
		step.Metadata["visualization"] = viz
	}

	if !success {
		t.put(events.Event{
			WorkflowID:  t.wc.WorkflowID,
			Type:        events.EventError,
			Timestamp:   now,
			StepNumber:  t.wc.Counter.Current(),
			Title:       "Tool error",
			Description: truncate(result, 2000),
			ToolName:    toolName,
		})
		return
	}
	// Successful completion is broadcast only when it carries something
	// worth rendering on its own, i.e. a visualization.
	t.EmitObservation(result, toolName)
}

// closeDelegation closes the active entry for an agent, synthesizes the
// aggregating observation, and marks the agent step completed.
func (t *Tracker) closeDelegation(agentName, result string, success bool) {
	entry := t.wc.PopDelegation(agentName)
	if entry == nil {
		t.logger.Warn("Delegation result with no open entry",
			zap.String("workflow_id", t.wc.WorkflowID),
			zap.String("agent", agentName),
		)
		return
	}

	t.mu.Lock()
	step := t.agentSteps[agentName]
	delete(t.agentSteps, agentName)
	t.mu.Unlock()

	answer := result
	if parsed, ok := ParseFinalAnswer(result); ok {
		answer = parsed
	}

	toolsUsed := make([]map[string]interface{}, 0, len(entry.ToolsUsed))
	for _, u := range entry.ToolsUsed {
		toolsUsed = append(toolsUsed, map[string]interface{}{
			"name":        u.Name,
			"duration_ms": u.DurationMs,
			"success":     u.Success,
		})
	}
	meta := map[string]interface{}{
		"agent_name":  agentName,
		"tools_used":  toolsUsed,
		"tool_count":  len(entry.ToolsUsed),
		"duration_ms": time.Since(entry.StartTime).Milliseconds(),
	}
	if viz := ExtractVisualization(result); viz != nil {
		meta["visualization"] = viz
	}

	if step != nil {
		now := time.Now()
		step.ToolResult = truncate(answer, 8000)
		step.CompletedAt = &now
		if success {
			step.Status = StatusCompleted
		} else {
			step.Status = StatusFailed
		}
		if step.Metadata == nil {
			step.Metadata = make(map[string]interface{})
		}
		for k, v := range meta {
			step.Metadata[k] = v
		}
	}

	t.put(events.Event{
		WorkflowID:  t.wc.WorkflowID,
		Type:        events.EventObservation,
		Timestamp:   time.Now(),
		StepNumber:  t.wc.Counter.Current(),
		Title:       fmt.Sprintf("%s finished (%d tools used)", agentName, len(entry.ToolsUsed)),
		Description: truncate(answer, 2000),
		ToolName:    agentName,
		Metadata:    meta,
	})
}

// EmitObservation emits a filtered observation event for a tool result.
// Only visualizations, errors, and explicitly tagged agent thoughts are
// broadcast, to keep event volume proportional to what a client renders.
// Returns whether an event was emitted.
func (t *Tracker) EmitObservation(text, toolName string) bool {
	viz := ExtractVisualization(text)
	isErr := looksLikeError(text)
	if viz == nil && !isErr && !isThought(text) {
		return false
	}

	evt := events.Event{
		WorkflowID:  t.wc.WorkflowID,
		Type:        events.EventObservation,
		Timestamp:   time.Now(),
		StepNumber:  t.wc.Counter.Current(),
		Title:       "Observation",
		Description: truncate(text, 2000),
		ToolName:    toolName,
	}
	if isErr {
		evt.Type = events.EventError
		evt.Title = "Tool error"
	}
	if viz != nil {
		evt.Metadata = map[string]interface{}{"visualization": viz}
		evt.Title = "Visualization created"
	}
	t.put(evt)
	return true
}

// EmitThinking surfaces a manager reasoning phase as a numbered event.
func (t *Tracker) EmitThinking(title, description string) {
	t.put(events.Event{
		WorkflowID:  t.wc.WorkflowID,
		Type:        events.EventThinking,
		Timestamp:   time.Now(),
		StepNumber:  t.wc.Counter.Next(),
		Title:       title,
		Description: description,
	})
}

// RecordSynthesis appends a synthesis step for the final answer so the
// persisted trace ends with the workflow's outcome.
func (t *Tracker) RecordSynthesis(answer string) {
	now := time.Now()
	t.buffer.Append(&Step{
		StepNumber:  t.wc.Counter.Current(),
		Type:        StepSynthesis,
		Title:       "Final answer",
		Status:      StatusCompleted,
		ToolResult:  truncate(answer, 8000),
		StartedAt:   now,
		CompletedAt: &now,
	})
}

func (t *Tracker) put(evt events.Event) {
	if !t.queue.Put(evt) {
		t.logger.Debug("Event not enqueued",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("type", string(evt.Type)),
		)
	}
}

// truncate caps s at max bytes without splitting a multi-byte rune,
// so persisted and broadcast text stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
