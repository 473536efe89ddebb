// Package events defines the in-memory workflow event record and the
// bounded cross-goroutine queue that carries events from tool code running
// inside the agent runtime to the per-workflow listener loops.
package events

import (
	"encoding/json"
	"time"
)

// EventType discriminates the kinds of observable workflow happenings.
type EventType string

const (
	EventThinking    EventType = "thinking"
	EventToolCall    EventType = "tool_call"
	EventAgentCall   EventType = "agent_call"
	EventObservation EventType = "observation"
	EventError       EventType = "error"
)

// Event is an immutable record of one observable workflow happening.
// Created by emit functions inside tool/agent code, enqueued once, and
// consumed exactly once by the listener for its workflow.
type Event struct {
	WorkflowID  string                 `json:"workflow_id"`
	Type        EventType              `json:"event_type"`
	Timestamp   time.Time              `json:"timestamp"`
	StepNumber  int                    `json:"step_number"`
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolParams  map[string]interface{} `json:"tool_params,omitempty"`
	ToolResult  string                 `json:"tool_result,omitempty"`
	Metadata    map[string]interface{} `json:"step_metadata,omitempty"`
}

// Marshal returns JSON for event payloads in SSE frames or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}
