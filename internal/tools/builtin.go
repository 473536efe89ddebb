package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// Builtin tool names. Roster files reference these.
const (
	ToolWebSearch     = "web_search"
	ToolCodeExecution = "code_execution"
	ToolCreateChart   = "create_chart"
	ToolFileSave      = "file_save"
	ToolFileRead      = "file_read"
)

// SearchResult is one hit from the search backend.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher is the web-search backend behind the web_search tool.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// CodeRunner executes a code snippet and returns its combined output.
type CodeRunner interface {
	Run(ctx context.Context, language, code string) (string, error)
}

// Deps carries the shared backends builtin tools draw on. Registry is
// consulted for cancellation at the top of every tool body.
type Deps struct {
	Registry *workflowctx.CancelRegistry
	Store    Store
	Searcher Searcher
	Runner   CodeRunner
	Logger   *zap.Logger
}

// Builder constructs one tool handle bound to a single workflow run.
type Builder func(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle

var builtinBuilders = map[string]Builder{
	ToolWebSearch:     buildWebSearch,
	ToolCodeExecution: buildCodeExecution,
	ToolCreateChart:   buildCreateChart,
	ToolFileSave:      buildFileSave,
	ToolFileRead:      buildFileRead,
}

// instrument wraps a tool body with the per-call protocol: cancellation
// check first, tool-call emission, then result observation. The tracker
// decides whether the call surfaces as an event or is attributed to an
// open delegation.
func instrument(name, description string, deps Deps, tr *tracker.Tracker, wc *workflowctx.Context, run func(args map[string]interface{}) (string, error)) agentrt.ToolHandle {
	return agentrt.ToolHandle{
		Name:        name,
		Description: description,
		Call: func(args map[string]interface{}) (string, error) {
			if err := workflowctx.CheckCancellation(wc, deps.Registry); err != nil {
				return "", err
			}
			tr.EmitToolCall(name, args, false)
			started := time.Now()
			result, err := run(args)
			tr.ObserveToolResult(name, args, result, started, err)
			return result, err
		},
	}
}

func buildWebSearch(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	desc := settings.Description
	if desc == "" {
		desc = "Search the web and return the top results"
	}
	return instrument(ToolWebSearch, desc, deps, tr, wc, func(args map[string]interface{}) (string, error) {
		query := stringArg(args, "query")
		if query == "" {
			return "", fmt.Errorf("web_search requires a query argument")
		}
		ctx, cancel := settingsContext(settings)
		defer cancel()

		results, err := deps.Searcher.Search(ctx, query, settings.MaxResults)
		if err != nil {
			return "", fmt.Errorf("search failed: %w", err)
		}
		if len(results) == 0 {
			return "No results found for " + query, nil
		}
		var b strings.Builder
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
		return b.String(), nil
	})
}

func buildCodeExecution(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	desc := settings.Description
	if desc == "" {
		desc = "Execute a code snippet and return its output"
	}
	return instrument(ToolCodeExecution, desc, deps, tr, wc, func(args map[string]interface{}) (string, error) {
		code := stringArg(args, "code")
		if code == "" {
			return "", fmt.Errorf("code_execution requires a code argument")
		}
		language := stringArg(args, "language")
		if language == "" {
			language = "python"
		}
		ctx, cancel := settingsContext(settings)
		defer cancel()

		out, err := deps.Runner.Run(ctx, language, code)
		if err != nil {
			return "", fmt.Errorf("code execution failed: %w", err)
		}
		return out, nil
	})
}

// buildCreateChart persists a chart specification to the store and returns
// a result containing a visualization reference the event pipeline can
// extract and forward to clients.
func buildCreateChart(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	desc := settings.Description
	if desc == "" {
		desc = "Render a chart from structured data"
	}
	return instrument(ToolCreateChart, desc, deps, tr, wc, func(args map[string]interface{}) (string, error) {
		title := stringArg(args, "title")
		chartType := stringArg(args, "chart_type")
		if chartType == "" {
			chartType = "bar"
		}
		spec := map[string]interface{}{
			"title":       title,
			"chart_type":  chartType,
			"data":        args["data"],
			"workflow_id": wc.WorkflowID,
			"created_at":  time.Now().UTC().Format(time.RFC3339),
		}
		payload, err := json.Marshal(spec)
		if err != nil {
			return "", fmt.Errorf("chart spec not serializable: %w", err)
		}
		id, err := deps.Store.Save(uuid.NewString()+".chart.json", payload)
		if err != nil {
			return "", fmt.Errorf("failed to store chart: %w", err)
		}
		return fmt.Sprintf("[chart:%s 640x480] %s chart %q created", id, chartType, title), nil
	})
}

func buildFileSave(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	desc := settings.Description
	if desc == "" {
		desc = "Save text content to a named file"
	}
	return instrument(ToolFileSave, desc, deps, tr, wc, func(args map[string]interface{}) (string, error) {
		name := stringArg(args, "name")
		content := stringArg(args, "content")
		if name == "" {
			return "", fmt.Errorf("file_save requires a name argument")
		}
		id, err := deps.Store.Save(name, []byte(content))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Saved %s (%d bytes)", id, len(content)), nil
	})
}

func buildFileRead(deps Deps, settings ToolSettings, tr *tracker.Tracker, wc *workflowctx.Context) agentrt.ToolHandle {
	desc := settings.Description
	if desc == "" {
		desc = "Read a previously saved file"
	}
	return instrument(ToolFileRead, desc, deps, tr, wc, func(args map[string]interface{}) (string, error) {
		name := stringArg(args, "name")
		if name == "" {
			return "", fmt.Errorf("file_read requires a name argument")
		}
		data, err := deps.Store.Load(name)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func settingsContext(settings ToolSettings) (context.Context, context.CancelFunc) {
	timeout := time.Duration(settings.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}
