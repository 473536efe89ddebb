// Package workflowctx carries per-workflow ambient state to tool code that
// runs arbitrarily deep inside the agent runtime's call stack, where the
// runtime's tool-calling convention does not allow extra parameters.
//
// Go has no safe goroutine-local storage, so instead of thread-locals the
// executor constructs every tool closure with a *Context bound at workflow
// start, and additionally threads the same value through context.Context
// for code paths that receive one. Scope exit is the clear operation: when
// the workflow's dispatched goroutine returns, nothing retains the Context.
package workflowctx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCancelled is the distinguished control-flow signal raised by
// CheckCancellation. It marks a cancelled workflow, not a failure, and must
// not be logged at error severity.
var ErrCancelled = errors.New("workflow cancelled")

// StepCounter is the monotonically increasing step counter shared by every
// context of one workflow. Observations reuse the current count, so values
// are unique and increasing but not contiguous.
type StepCounter struct {
	count atomic.Int64
}

// Next increments the counter and returns the new value.
func (c *StepCounter) Next() int {
	return int(c.count.Add(1))
}

// Current returns the counter without incrementing.
func (c *StepCounter) Current() int {
	return int(c.count.Load())
}

// AgentExecution tracks one open sub-agent delegation.
type AgentExecution struct {
	AgentName  string
	Task       string
	StepNumber int
	StartTime  time.Time
	ToolsUsed  []ToolUse
}

// ToolUse records one tool invocation attributed to an open delegation.
type ToolUse struct {
	Name       string                 `json:"name"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Result     string                 `json:"result,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Success    bool                   `json:"success"`
}

// Context is the per-workflow ambient state. Exactly one dispatched agent
// run exists per workflow at a time, so the delegation stack is only
// mutated from that goroutine; the cancelled flag and step counter may be
// read from others.
type Context struct {
	WorkflowID string
	UserID     string
	ProjectID  string
	Counter    *StepCounter
	Metadata   map[string]interface{}

	cancelled atomic.Bool

	mu          sync.Mutex
	delegations []*AgentExecution
}

// New creates a workflow context with a fresh step counter.
func New(workflowID, userID, projectID string) *Context {
	return &Context{
		WorkflowID: workflowID,
		UserID:     userID,
		ProjectID:  projectID,
		Counter:    &StepCounter{},
		Metadata:   make(map[string]interface{}),
	}
}

// MarkCancelled sets the local flag. The registry remains authoritative;
// this is the belt-and-suspenders fast path for code already holding the
// context.
func (c *Context) MarkCancelled() {
	c.cancelled.Store(true)
}

// IsCancelled reports the local flag only.
func (c *Context) IsCancelled() bool {
	return c.cancelled.Load()
}

// PushDelegation opens a delegation entry for an agent. At most one open
// entry may exist per agent name; opening a second for the same agent
// returns false.
func (c *Context) PushDelegation(agentName, task string, stepNumber int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.delegations {
		if d.AgentName == agentName {
			return false
		}
	}
	c.delegations = append(c.delegations, &AgentExecution{
		AgentName:  agentName,
		Task:       task,
		StepNumber: stepNumber,
		StartTime:  time.Now(),
	})
	return true
}

// CurrentDelegation returns the most recently opened entry, implementing
// last-delegation-wins attribution for nested delegations.
func (c *Context) CurrentDelegation() *AgentExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.delegations) == 0 {
		return nil
	}
	return c.delegations[len(c.delegations)-1]
}

// PopDelegation closes and returns the entry for the named agent, or nil
// if none is open.
func (c *Context) PopDelegation(agentName string) *AgentExecution {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.delegations) - 1; i >= 0; i-- {
		if c.delegations[i].AgentName == agentName {
			d := c.delegations[i]
			c.delegations = append(c.delegations[:i], c.delegations[i+1:]...)
			return d
		}
	}
	return nil
}

// AttributeTool appends a tool use to the most recent open delegation and
// reports whether one existed.
func (c *Context) AttributeTool(use ToolUse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.delegations) == 0 {
		return false
	}
	d := c.delegations[len(c.delegations)-1]
	d.ToolsUsed = append(d.ToolsUsed, use)
	return true
}

// OpenDelegations returns the number of currently open delegation entries.
func (c *Context) OpenDelegations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delegations)
}

type ctxKey struct{}

// With attaches the workflow context to a context.Context.
func With(ctx context.Context, wc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, wc)
}

// From retrieves the workflow context, or nil if none is attached.
func From(ctx context.Context) *Context {
	wc, _ := ctx.Value(ctxKey{}).(*Context)
	return wc
}
