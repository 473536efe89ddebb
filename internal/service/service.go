// Package service hosts the orchestration entry points: starting
// workflows, cancelling them, and tracking what is in flight.
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/executor"
	"github.com/relay-ai/orchestrator/internal/metrics"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

var (
	// ErrEmptyTask rejects blank queries before any state is allocated.
	ErrEmptyTask = errors.New("task must not be empty")
	// ErrRateLimited signals the caller exceeded their start budget.
	ErrRateLimited = errors.New("workflow start rate limit exceeded")
	// ErrBusy signals the worker pool has no free slot.
	ErrBusy = errors.New("all workflow slots busy, retry later")
)

// StartRequest describes a workflow start. History is prior conversation
// handed to the agent runtime.
type StartRequest struct {
	Task      string
	UserID    string
	ProjectID string
	SessionID string
	Mode      string
	History   []agentrt.Message
}

// Orchestrator owns the active-workflow registry and drives the executor
// through the bounded pool. One live dispatched call per workflow at a
// time; the maps here are the only cross-workflow shared state.
type Orchestrator struct {
	exec       *executor.Executor
	pool       *executor.Pool
	registry   *workflowctx.CancelRegistry
	runtime    agentrt.Runtime
	binder     executor.ToolBinder
	agentNames []string
	limiter    *UserLimiter
	logger     *zap.Logger

	mu        sync.Mutex
	active    map[string]*activeWorkflow
	byProject map[string]map[string]struct{}
}

type activeWorkflow struct {
	userID    string
	projectID string
	startedAt time.Time
	done      chan struct{}
	result    *executor.Result
}

// NewOrchestrator wires the service. limiter may be nil to disable
// per-user throttling.
func NewOrchestrator(exec *executor.Executor, pool *executor.Pool, registry *workflowctx.CancelRegistry, runtime agentrt.Runtime, binder executor.ToolBinder, agentNames []string, limiter *UserLimiter, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		exec:       exec,
		pool:       pool,
		registry:   registry,
		runtime:    runtime,
		binder:     binder,
		agentNames: agentNames,
		limiter:    limiter,
		logger:     logger,
		active:     make(map[string]*activeWorkflow),
		byProject:  make(map[string]map[string]struct{}),
	}
}

// StartWorkflow allocates a workflow id, registers it as active, and
// dispatches execution to the pool. Returns immediately with the id.
func (o *Orchestrator) StartWorkflow(ctx context.Context, req StartRequest) (string, error) {
	if strings.TrimSpace(req.Task) == "" {
		return "", ErrEmptyTask
	}
	if o.limiter != nil && !o.limiter.Allow(req.UserID) {
		metrics.WorkflowStartsThrottled.Inc()
		return "", ErrRateLimited
	}

	workflowID := uuid.NewString()
	aw := &activeWorkflow{
		userID:    req.UserID,
		projectID: req.ProjectID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	o.mu.Lock()
	o.active[workflowID] = aw
	if req.ProjectID != "" {
		set := o.byProject[req.ProjectID]
		if set == nil {
			set = make(map[string]struct{})
			o.byProject[req.ProjectID] = set
		}
		set[workflowID] = struct{}{}
	}
	o.mu.Unlock()

	run := func() {
		defer o.remove(workflowID, req.ProjectID, aw)

		result, err := o.exec.Execute(context.Background(), executor.Request{
			WorkflowID: workflowID,
			Task:       req.Task,
			UserID:     req.UserID,
			ProjectID:  req.ProjectID,
			SessionID:  req.SessionID,
			Mode:       req.Mode,
			History:    req.History,
		}, o.runtime, o.binder, o.agentNames)
		if err != nil {
			o.logger.Error("Workflow execution failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
		}
		aw.result = result
	}

	if err := o.pool.TrySubmit(run); err != nil {
		o.remove(workflowID, req.ProjectID, aw)
		return "", ErrBusy
	}

	metrics.WorkflowsStarted.WithLabelValues(req.Mode).Inc()
	o.logger.Info("Workflow started",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", req.UserID),
		zap.String("mode", req.Mode),
	)
	return workflowID, nil
}

// remove clears the workflow from the active maps exactly once and
// closes its done channel.
func (o *Orchestrator) remove(workflowID, projectID string, aw *activeWorkflow) {
	o.mu.Lock()
	if _, ok := o.active[workflowID]; ok {
		delete(o.active, workflowID)
		if projectID != "" {
			if set, ok := o.byProject[projectID]; ok {
				delete(set, workflowID)
				if len(set) == 0 {
					delete(o.byProject, projectID)
				}
			}
		}
		close(aw.done)
	}
	o.mu.Unlock()
}

// CancelWorkflow requests cooperative cancellation. Returns true only on
// the first effective cancel of an active workflow; cancelling an
// unknown, finished, or already-cancelled workflow returns false.
func (o *Orchestrator) CancelWorkflow(workflowID string) bool {
	o.mu.Lock()
	_, active := o.active[workflowID]
	o.mu.Unlock()

	if !active {
		return false
	}
	if o.registry.IsCancelled(workflowID) {
		return false
	}

	o.registry.Mark(workflowID)
	o.logger.Info("Workflow cancellation requested", zap.String("workflow_id", workflowID))
	return true
}

// CancelProject cancels every active workflow in the project, returning
// how many cancels took effect.
func (o *Orchestrator) CancelProject(projectID string) int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.byProject[projectID]))
	for id := range o.byProject[projectID] {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.CancelWorkflow(id) {
			n++
		}
	}
	return n
}

// CancelAll cancels every active workflow. Used on shutdown.
func (o *Orchestrator) CancelAll() int {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	n := 0
	for _, id := range ids {
		if o.CancelWorkflow(id) {
			n++
		}
	}
	return n
}

// IsActive reports whether the workflow is still in flight.
func (o *Orchestrator) IsActive(workflowID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[workflowID]
	return ok
}

// ActiveCount returns the number of in-flight workflows.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until the workflow finishes or ctx expires, returning the
// final result when available.
func (o *Orchestrator) Wait(ctx context.Context, workflowID string) (*executor.Result, error) {
	o.mu.Lock()
	aw, ok := o.active[workflowID]
	o.mu.Unlock()
	if !ok {
		return nil, errors.New("workflow not active")
	}

	select {
	case <-aw.done:
		return aw.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels all active workflows and waits for the pool to drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	cancelled := o.CancelAll()
	o.logger.Info("Shutting down orchestrator", zap.Int("cancelled", cancelled))

	drained := make(chan struct{})
	go func() {
		o.pool.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		o.logger.Warn("Shutdown timed out waiting for workflows")
	}
}
