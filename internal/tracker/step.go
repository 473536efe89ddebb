package tracker

import (
	"sync"
	"time"
)

// StepType classifies a visible unit of work.
type StepType string

const (
	StepToolExecution  StepType = "tool_execution"
	StepAgentExecution StepType = "agent_execution"
	StepSynthesis      StepType = "synthesis"
)

// StepStatus is the lifecycle state of an in-memory step.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
)

// Step is the in-memory precursor of a persisted workflow step. Steps are
// mutated while the workflow runs (an agent step is marked completed when
// its delegation closes) and written once, in one batch, after the run.
type Step struct {
	StepNumber  int
	Type        StepType
	Title       string
	Description string
	Status      StepStatus
	ToolName    string
	ToolResult  string
	AgentName   string
	AgentTask   string
	Metadata    map[string]interface{}
	StartedAt   time.Time
	CompletedAt *time.Time
}

// StepBuffer accumulates steps for one workflow. The executor allocates one
// per workflow and flushes it to the database sink in its cleanup phase.
type StepBuffer struct {
	mu    sync.Mutex
	steps []*Step
}

// NewStepBuffer creates an empty buffer.
func NewStepBuffer() *StepBuffer {
	return &StepBuffer{}
}

// Append adds a step and returns it for later in-place updates.
func (b *StepBuffer) Append(s *Step) *Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.steps = append(b.steps, s)
	return s
}

// Snapshot returns the steps in append order.
func (b *StepBuffer) Snapshot() []*Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Step, len(b.steps))
	copy(out, b.steps)
	return out
}

// Len returns the number of buffered steps.
func (b *StepBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.steps)
}
