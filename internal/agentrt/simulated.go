package agentrt

import (
	"fmt"
	"strings"
)

// SimulatedRuntime is a stand-in runtime for local development and smoke
// tests: it fabricates a plausible answer without calling any tools.
type SimulatedRuntime struct{}

// NewSimulatedRuntime returns a runtime that answers without tool use.
func NewSimulatedRuntime() *SimulatedRuntime {
	return &SimulatedRuntime{}
}

// Run produces a canned analysis of the task.
func (s *SimulatedRuntime) Run(task string, tools []ToolHandle, history []Message) (*RunResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Based on your request %q, here is my analysis: ", task)
	b.WriteString("I have reviewed the requirements and identified the key points. ")
	if len(tools) > 0 {
		fmt.Fprintf(&b, "%d tools were available but none were needed. ", len(tools))
	}
	if len(history) > 0 {
		fmt.Fprintf(&b, "This answer takes %d prior messages into account.", len(history))
	}
	return &RunResult{Output: b.String(), Success: true}, nil
}
