package tools

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// RuntimeFactory produces the runtime that executes one sub-agent. Called
// once per delegation so implementations may return per-call state.
type RuntimeFactory func(agent AgentSpec) agentrt.Runtime

// Binder assembles per-run tool sets from the roster: the manager's builtin
// tools plus one delegation tool per roster agent. Sub-agent tools close
// over the same tracker and workflow context, so tool usage during an open
// delegation is attributed to it rather than emitted as top-level events.
type Binder struct {
	mu      sync.RWMutex
	roster  *Roster
	deps    Deps
	factory RuntimeFactory
	logger  *zap.Logger
}

// NewBinder validates the roster and returns a binder. A nil factory falls
// back to the simulated runtime for every agent.
func NewBinder(roster *Roster, deps Deps, factory RuntimeFactory, logger *zap.Logger) (*Binder, error) {
	if roster == nil {
		return nil, fmt.Errorf("nil roster")
	}
	if err := roster.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tool roster: %w", err)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("binder requires a store")
	}
	if deps.Searcher == nil {
		deps.Searcher = NewSimulatedSearcher()
	}
	if deps.Runner == nil {
		deps.Runner = NewSimulatedRunner()
	}
	if factory == nil {
		factory = func(AgentSpec) agentrt.Runtime { return agentrt.NewSimulatedRuntime() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{roster: roster, deps: deps, factory: factory, logger: logger}, nil
}

// AgentNames returns the delegation tool names; the executor passes these
// to the tracker so it can tell delegations from plain tool calls.
func (b *Binder) AgentNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.roster.AgentNames()
}

// SetRoster swaps the roster for subsequent runs. Runs already bound keep
// the roster they started with.
func (b *Binder) SetRoster(roster *Roster) error {
	if roster == nil {
		return fmt.Errorf("nil roster")
	}
	if err := roster.Validate(); err != nil {
		return fmt.Errorf("invalid tool roster: %w", err)
	}
	b.mu.Lock()
	b.roster = roster
	b.mu.Unlock()
	return nil
}

// Bind builds the manager's tool set for one run. Satisfies the executor's
// tool binder contract.
func (b *Binder) Bind(tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle {
	b.mu.RLock()
	roster := b.roster
	b.mu.RUnlock()

	handles := b.buildBuiltinsFor(roster, roster.ManagerTools, tr, wc)
	for _, agent := range roster.Agents {
		handles = append(handles, b.delegationTool(roster, agent, tr, wc))
	}
	return handles
}

func (b *Binder) buildBuiltinsFor(roster *Roster, names []string, tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle {
	handles := make([]agentrt.ToolHandle, 0, len(names))
	for _, name := range names {
		build, ok := builtinBuilders[name]
		if !ok {
			// Validate catches this at construction and on SetRoster.
			b.logger.Warn("Skipping unknown tool", zap.String("tool", name))
			continue
		}
		handles = append(handles, build(b.deps, roster.Settings(name), tr, wc))
	}
	return handles
}

// delegationTool wraps a sub-agent runtime as a tool. Invoking it opens an
// aggregating delegation entry; the sub-agent's own tool calls are
// attributed to that entry until the runtime returns.
func (b *Binder) delegationTool(roster *Roster, agent AgentSpec, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	return agentrt.ToolHandle{
		Name:        agent.Name,
		Description: agent.Description,
		Call: func(args map[string]interface{}) (string, error) {
			if err := workflowctx.CheckCancellation(wc, b.deps.Registry); err != nil {
				return "", err
			}
			tr.EmitToolCall(agent.Name, args, true)
			started := time.Now()

			task, _ := args["task"].(string)
			subTools := b.buildBuiltinsFor(roster, agent.Tools, tr, wc)
			rt := b.factory(agent)

			res, err := rt.Run(task, subTools, nil)
			output := delegationOutput(res, err)
			tr.ObserveToolResult(agent.Name, args, output, started, err)
			if err != nil {
				return output, fmt.Errorf("agent %s failed: %w", agent.Name, err)
			}
			return output, nil
		},
	}
}

// delegationOutput normalizes a sub-agent run into the in-band result text
// the manager runtime sees.
func delegationOutput(res *agentrt.RunResult, err error) string {
	switch {
	case err != nil:
		return "Error: " + err.Error()
	case res == nil:
		return "Error: agent returned no result"
	case !res.Success:
		if res.Error != "" {
			return "Error: " + res.Error
		}
		return "Error: agent run unsuccessful"
	default:
		return res.Output
	}
}
