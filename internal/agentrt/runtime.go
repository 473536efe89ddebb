// Package agentrt defines the boundary to the external agent runtime: the
// synchronous, blocking tool-calling loop that accepts a task and a set of
// callable tools and eventually returns a final answer. The runtime itself
// is a black box; this package only fixes its calling convention.
package agentrt

import "time"

// ToolHandle is a tool as the runtime sees it: a name and a synchronous
// callable invoked from within the runtime's own call stack, on the
// workflow's dispatched goroutine. The signature is fixed by the runtime's
// convention; tools discover their workflow through closure-bound context.
type ToolHandle struct {
	Name        string
	Description string
	Call        func(args map[string]interface{}) (string, error)
}

// Message is one turn of prior conversation handed to the runtime.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// RunResult is the runtime's terminal output.
type RunResult struct {
	Output  string
	Success bool
	Error   string
}

// Runtime runs a manager agent to completion. Run blocks on the calling
// goroutine and may invoke any subset of the provided tools any number of
// times, in any order, before returning. Implementations must not be
// assumed interruptible: cancellation is observed only at tool boundaries.
type Runtime interface {
	Run(task string, tools []ToolHandle, history []Message) (*RunResult, error)
}
