package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/agentrt"
	"github.com/relay-ai/orchestrator/internal/db"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/metrics"
	"github.com/relay-ai/orchestrator/internal/streaming"
	"github.com/relay-ai/orchestrator/internal/tracker"
	"github.com/relay-ai/orchestrator/internal/workflowctx"
)

// Workflow terminal statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// DefaultHistoryRetention is how long a finished workflow's replay ring
// stays available for late reconnects before it is dropped.
const DefaultHistoryRetention = 30 * time.Second

// Config tunes executor timing.
type Config struct {
	PollInterval time.Duration
	GracePeriod  time.Duration
	// HistoryRetention delays dropping the stream replay ring after a
	// run finishes, so clients that reconnect right away can still
	// replay. Zero means DefaultHistoryRetention; negative drops the
	// ring immediately.
	HistoryRetention time.Duration
}

// Request describes one workflow to execute.
type Request struct {
	WorkflowID string
	Task       string
	UserID     string
	ProjectID  string
	SessionID  string
	Mode       string
	History    []agentrt.Message
}

// Result is the outcome of a finished workflow.
type Result struct {
	WorkflowID string
	Status     string
	Output     string
	StepsSaved int
	Duration   time.Duration
	FollowUps  []string
}

// ToolBinder builds the tool set for a run, closing each tool over the
// run's tracker and context so emit calls land in the right workflow.
type ToolBinder func(tr *tracker.Tracker, wc *workflowctx.Context) []agentrt.ToolHandle

// Executor runs one workflow end to end: context setup, listener
// lifecycle, the blocking agent-runtime call, and the unconditional
// cleanup that unregisters, persists, and deregisters cancellation.
type Executor struct {
	queue     *events.Queue
	stream    *streaming.Manager
	store     *db.Client
	registry  *workflowctx.CancelRegistry
	suggester FollowUpSuggester
	logger    *zap.Logger
	config    Config
}

// New creates an executor. store and suggester may be nil; persistence
// and follow-ups are then skipped.
func New(queue *events.Queue, stream *streaming.Manager, store *db.Client, registry *workflowctx.CancelRegistry, config Config, logger *zap.Logger) *Executor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	if config.HistoryRetention == 0 {
		config.HistoryRetention = DefaultHistoryRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		queue:    queue,
		stream:   stream,
		store:    store,
		registry: registry,
		logger:   logger,
		config:   config,
	}
}

// SetFollowUpSuggester attaches a follow-up suggester used after
// successful runs.
func (e *Executor) SetFollowUpSuggester(s FollowUpSuggester) {
	e.suggester = s
}

// Execute runs the workflow to completion. It always returns a Result;
// the error is non-nil only for failed runs, carrying the runtime's
// error. Cleanup (listener stop, queue unregister, step persistence,
// cancellation deregistration) happens on every path.
func (e *Executor) Execute(ctx context.Context, req Request, runtime agentrt.Runtime, binder ToolBinder, agentNames []string) (result *Result, err error) {
	logger := e.logger.With(
		zap.String("workflow_id", req.WorkflowID),
		zap.String("user_id", req.UserID),
	)

	wc := workflowctx.New(req.WorkflowID, req.UserID, req.ProjectID)
	buffer := tracker.NewStepBuffer()
	runID := uuid.New()
	started := time.Now()

	e.queue.Register(req.WorkflowID)
	metrics.WorkflowsActive.Inc()

	tr := tracker.New(wc, e.queue, buffer, agentNames, logger)

	lst := newListener(req.WorkflowID, e.queue, e.stream, e.store, e.config.PollInterval, logger)
	lst.start()

	// The caller's context is a second cancellation path: when it ends
	// before the run does, mark the registry so the runtime's next
	// checkpoint stops the workflow. The runtime goroutine itself is
	// never assumed to have observed it.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.registry.Mark(req.WorkflowID)
		case <-watchDone:
		}
	}()

	e.saveRunAsync(&db.WorkflowRun{
		ID:         runID,
		WorkflowID: req.WorkflowID,
		UserID:     uuidPtr(req.UserID),
		ProjectID:  uuidPtr(req.ProjectID),
		SessionID:  req.SessionID,
		Query:      req.Task,
		Mode:       req.Mode,
		Status:     "running",
		StartedAt:  started,
	})

	result = &Result{WorkflowID: req.WorkflowID, Status: StatusFailed}

	defer func() {
		close(watchDone)
		lst.stop(e.config.GracePeriod)
		e.queue.Unregister(req.WorkflowID)
		e.dropHistoryLater(req.WorkflowID)

		saved := e.persistSteps(runID, req.WorkflowID, buffer, logger)
		result.StepsSaved = saved

		result.Duration = time.Since(started)
		e.saveFinalRun(runID, req, result, started, wc)

		e.registry.Remove(req.WorkflowID)
		metrics.WorkflowsActive.Dec()
		metrics.RecordWorkflowMetrics(req.Mode, result.Status, result.Duration.Seconds())

		logger.Info("Workflow finished",
			zap.String("status", result.Status),
			zap.Int("steps_saved", saved),
			zap.Duration("duration", result.Duration),
		)
	}()

	// A cancel that lands before dispatch stops the run outright.
	if cerr := workflowctx.CheckCancellation(wc, e.registry); cerr != nil {
		result.Status = StatusCancelled
		logger.Info("Workflow cancelled before dispatch")
		return result, nil
	}

	tools := binder(tr, wc)

	runResult, runErr := runtime.Run(req.Task, tools, req.History)

	switch {
	case errors.Is(runErr, workflowctx.ErrCancelled) || wc.IsCancelled() || e.registry.IsCancelled(req.WorkflowID):
		result.Status = StatusCancelled
		metrics.WorkflowsCancelled.Inc()
		return result, nil
	case runErr != nil:
		result.Status = StatusFailed
		logger.Error("Agent runtime failed", zap.Error(runErr))
		return result, runErr
	case runResult == nil || !runResult.Success:
		result.Status = StatusFailed
		msg := "agent runtime returned no result"
		if runResult != nil && runResult.Error != "" {
			msg = runResult.Error
		}
		logger.Error("Agent run unsuccessful", zap.String("error", msg))
		return result, errors.New(msg)
	}

	result.Status = StatusCompleted
	result.Output = runResult.Output
	tr.RecordSynthesis(runResult.Output)

	if e.suggester != nil {
		fups, ferr := e.suggester.Suggest(ctx, req.Task, runResult.Output)
		if ferr != nil {
			logger.Warn("Follow-up suggestion failed", zap.Error(ferr))
		} else {
			result.FollowUps = fups
		}
	}

	return result, nil
}

// dropHistoryLater releases the workflow's stream replay ring once the
// retention window has passed. Without this, finished workflows pin a
// ring buffer each for the life of the process.
func (e *Executor) dropHistoryLater(workflowID string) {
	if e.config.HistoryRetention < 0 {
		e.stream.Forget(workflowID)
		return
	}
	time.AfterFunc(e.config.HistoryRetention, func() {
		e.stream.Forget(workflowID)
	})
}

// persistSteps flushes the step buffer in one batch. Persistence
// failures are logged, never raised to the caller.
func (e *Executor) persistSteps(runID uuid.UUID, workflowID string, buffer *tracker.StepBuffer, logger *zap.Logger) int {
	steps := buffer.Snapshot()
	if len(steps) == 0 || e.store == nil {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	saved, err := e.store.PersistSteps(ctx, runID, workflowID, toDBSteps(steps))
	if err != nil {
		logger.Error("Step persistence failed",
			zap.Int("attempted", len(steps)),
			zap.Error(err),
		)
	} else if saved < len(steps) {
		logger.Warn("Step persistence partially failed",
			zap.Int("attempted", len(steps)),
			zap.Int("saved", saved),
		)
	}
	return saved
}

func (e *Executor) saveRunAsync(run *db.WorkflowRun) {
	if e.store == nil {
		return
	}
	e.store.QueueWrite(db.WriteTypeRun, run, nil)
}

func (e *Executor) saveFinalRun(runID uuid.UUID, req Request, result *Result, started time.Time, wc *workflowctx.Context) {
	if e.store == nil {
		return
	}

	durationMs := int(result.Duration.Milliseconds())
	run := &db.WorkflowRun{
		ID:         runID,
		WorkflowID: req.WorkflowID,
		UserID:     uuidPtr(req.UserID),
		ProjectID:  uuidPtr(req.ProjectID),
		SessionID:  req.SessionID,
		Query:      req.Task,
		Mode:       req.Mode,
		Status:     result.Status,
		StartedAt:  started,
		DurationMs: &durationMs,
		StepsSaved: result.StepsSaved,
	}
	now := time.Now()
	run.CompletedAt = &now
	if result.Output != "" {
		out := result.Output
		run.Result = &out
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveWorkflowRun(ctx, run); err != nil {
		e.logger.Error("Failed to save final run record",
			zap.String("workflow_id", req.WorkflowID),
			zap.Error(err),
		)
	}
}

// uuidPtr parses an id into a nullable uuid column value. Non-uuid ids
// (dev users, external principals) persist as NULL.
func uuidPtr(s string) *uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// toDBSteps converts buffered steps to their persisted form. step_index
// is assigned later by the sink.
func toDBSteps(steps []*tracker.Step) []db.WorkflowStep {
	out := make([]db.WorkflowStep, 0, len(steps))
	for _, s := range steps {
		row := db.WorkflowStep{
			StepNumber:  s.StepNumber,
			Type:        string(s.Type),
			Title:       s.Title,
			Description: s.Description,
			Status:      string(s.Status),
			ToolName:    s.ToolName,
			ToolResult:  s.ToolResult,
			AgentName:   s.AgentName,
			AgentTask:   s.AgentTask,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		}
		if len(s.Metadata) > 0 {
			row.Metadata = db.JSONB(s.Metadata)
		}
		out = append(out, row)
	}
	return out
}
