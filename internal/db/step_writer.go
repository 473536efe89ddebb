package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/metrics"
)

// SaveWorkflowRun saves or updates a run record (idempotent by workflow_id)
func (c *Client) SaveWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO workflow_runs (
			id, workflow_id, user_id, project_id, session_id, query, mode, status,
			started_at, completed_at, result, error_message,
			duration_ms, agents_used, tools_invoked, steps_saved,
			metadata, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
		ON CONFLICT (workflow_id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			result = EXCLUDED.result,
			error_message = EXCLUDED.error_message,
			duration_ms = EXCLUDED.duration_ms,
			agents_used = EXCLUDED.agents_used,
			tools_invoked = EXCLUDED.tools_invoked,
			steps_saved = EXCLUDED.steps_saved,
			metadata = CASE
				WHEN EXCLUDED.metadata IS NULL THEN workflow_runs.metadata
				ELSE EXCLUDED.metadata
			END
		RETURNING id`

	var sessionID interface{}
	if run.SessionID == "" {
		sessionID = nil
	} else {
		sessionID = run.SessionID
	}

	row, err := c.db.QueryRowContext(ctx, query,
		run.ID, run.WorkflowID, run.UserID, run.ProjectID, sessionID,
		run.Query, run.Mode, run.Status,
		run.StartedAt, run.CompletedAt, run.Result, run.ErrorMessage,
		run.DurationMs, run.AgentsUsed, run.ToolsInvoked, run.StepsSaved,
		run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}
	if err := row.Scan(&run.ID); err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}

	c.logger.Debug("Workflow run saved",
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", run.Status),
	)

	return nil
}

// PersistSteps writes the run's timeline steps in one pass. Each step is
// inserted independently so one bad row cannot sink the rest of the
// batch; step_index is assigned densely 1..N in slice order regardless
// of the stream step numbers. Returns how many rows were actually saved.
func (c *Client) PersistSteps(ctx context.Context, runID uuid.UUID, workflowID string, steps []WorkflowStep) (int, error) {
	if len(steps) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO workflow_steps (
			id, run_id, workflow_id, step_index, step_number,
			type, title, description, status,
			tool_name, tool_result, agent_name, agent_task,
			metadata, started_at, completed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (run_id, step_index) DO NOTHING`

	saved := 0
	var lastErr error

	for i := range steps {
		step := &steps[i]
		if step.ID == uuid.Nil {
			step.ID = uuid.New()
		}
		step.RunID = runID
		step.WorkflowID = workflowID
		step.StepIndex = i + 1
		if step.CreatedAt.IsZero() {
			step.CreatedAt = time.Now()
		}

		_, err := c.db.ExecContext(ctx, query,
			step.ID, step.RunID, step.WorkflowID, step.StepIndex, step.StepNumber,
			step.Type, step.Title, step.Description, step.Status,
			step.ToolName, step.ToolResult, step.AgentName, step.AgentTask,
			step.Metadata, step.StartedAt, step.CompletedAt, step.CreatedAt,
		)
		if err != nil {
			lastErr = err
			metrics.StepPersistFailures.Inc()
			c.logger.Error("Failed to persist workflow step",
				zap.String("workflow_id", workflowID),
				zap.Int("step_index", step.StepIndex),
				zap.Error(err),
			)
			continue
		}
		saved++
	}

	metrics.StepsPersisted.Add(float64(saved))

	if saved == 0 && lastErr != nil {
		return 0, fmt.Errorf("failed to persist all %d steps: %w", len(steps), lastErr)
	}
	return saved, nil
}

// GetWorkflowRun retrieves a run by workflow ID
func (c *Client) GetWorkflowRun(ctx context.Context, workflowID string) (*WorkflowRun, error) {
	var run WorkflowRun

	query := `
		SELECT id, workflow_id, user_id, project_id, session_id, query, mode, status,
			started_at, completed_at, result, error_message,
			duration_ms, agents_used, tools_invoked, steps_saved,
			metadata, created_at
		FROM workflow_runs
		WHERE workflow_id = $1`

	err := c.reader.GetContext(ctx, &run, query, workflowID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}

	return &run, nil
}

// ListWorkflowSteps returns a run's persisted timeline in step order
func (c *Client) ListWorkflowSteps(ctx context.Context, workflowID string) ([]WorkflowStep, error) {
	var steps []WorkflowStep

	query := `
		SELECT id, run_id, workflow_id, step_index, step_number,
			type, title, description, status,
			tool_name, tool_result, agent_name, agent_task,
			metadata, started_at, completed_at, created_at
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_index ASC`

	if err := c.reader.SelectContext(ctx, &steps, query, workflowID); err != nil {
		return nil, fmt.Errorf("failed to list workflow steps: %w", err)
	}

	return steps, nil
}

// ListWorkflowRuns returns runs matching the filter, newest first
func (c *Client) ListWorkflowRuns(ctx context.Context, filter RunFilter) ([]WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, user_id, project_id, session_id, query, mode, status,
			started_at, completed_at, result, error_message,
			duration_ms, agents_used, tools_invoked, steps_saved,
			metadata, created_at
		FROM workflow_runs
		WHERE 1=1`
	args := []interface{}{}
	idx := 1

	appendArg := func(clause string, value interface{}) {
		query += fmt.Sprintf(" AND %s = $%d", clause, idx)
		args = append(args, value)
		idx++
	}

	if filter.UserID != nil {
		appendArg("user_id", *filter.UserID)
	}
	if filter.ProjectID != nil {
		appendArg("project_id", *filter.ProjectID)
	}
	if filter.SessionID != nil {
		appendArg("session_id", *filter.SessionID)
	}
	if filter.Status != nil {
		appendArg("status", *filter.Status)
	}
	if filter.Mode != nil {
		appendArg("mode", *filter.Mode)
	}
	if filter.StartTime != nil {
		query += fmt.Sprintf(" AND started_at >= $%d", idx)
		args = append(args, *filter.StartTime)
		idx++
	}
	if filter.EndTime != nil {
		query += fmt.Sprintf(" AND started_at <= $%d", idx)
		args = append(args, *filter.EndTime)
		idx++
	}

	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	var runs []WorkflowRun
	if err := c.reader.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	return runs, nil
}
