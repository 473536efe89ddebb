package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SaveEventLog inserts an event_logs row. Idempotent on
// (workflow_id, type, seq) so a replayed event is a no-op.
func (c *Client) SaveEventLog(ctx context.Context, e *EventLog) error {
	if e == nil {
		return nil
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := c.db.ExecContext(ctx, `
        INSERT INTO event_logs (
            id, workflow_id, type, agent_id, message, payload, timestamp, seq, stream_id, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        ON CONFLICT (workflow_id, type, seq) WHERE seq IS NOT NULL DO NOTHING
    `, e.ID, e.WorkflowID, e.Type, nullIfEmpty(e.AgentID), e.Message, e.Payload, e.Timestamp, e.Seq, nullIfEmpty(e.StreamID), e.CreatedAt)
	return err
}

// ListEventLogs returns a workflow's persisted events in stream order.
func (c *Client) ListEventLogs(ctx context.Context, workflowID string, limit int) ([]EventLog, error) {
	query := `
		SELECT id, workflow_id, type, COALESCE(agent_id, '') AS agent_id, message,
			payload, timestamp, seq, COALESCE(stream_id, '') AS stream_id, created_at
		FROM event_logs
		WHERE workflow_id = $1
		ORDER BY seq ASC`
	args := []interface{}{workflowID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	var events []EventLog
	if err := c.reader.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list event logs: %w", err)
	}
	return events, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
