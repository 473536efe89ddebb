package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// WorkflowRun represents a workflow execution record
type WorkflowRun struct {
	ID         uuid.UUID  `db:"id"`
	WorkflowID string     `db:"workflow_id"`
	UserID     *uuid.UUID `db:"user_id"`
	ProjectID  *uuid.UUID `db:"project_id"`
	SessionID  string     `db:"session_id"`
	Query      string     `db:"query"`
	Mode       string     `db:"mode"`
	Status     string     `db:"status"`

	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`

	// Results
	Result       *string `db:"result"`
	ErrorMessage *string `db:"error_message"`

	// Performance
	DurationMs   *int `db:"duration_ms"`
	AgentsUsed   int  `db:"agents_used"`
	ToolsInvoked int  `db:"tools_invoked"`
	StepsSaved   int  `db:"steps_saved"`

	Metadata  JSONB     `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

// WorkflowStep represents one persisted timeline step of a run.
// StepIndex is the dense 1..N position within the run, assigned at
// persist time. StepNumber is the number the step carried on the live
// event stream; gaps are possible when intermediate steps were dropped.
type WorkflowStep struct {
	ID         uuid.UUID `db:"id"`
	RunID      uuid.UUID `db:"run_id"`
	WorkflowID string    `db:"workflow_id"`
	StepIndex  int       `db:"step_index"`
	StepNumber int       `db:"step_number"`

	Type        string `db:"type"`
	Title       string `db:"title"`
	Description string `db:"description"`
	Status      string `db:"status"`

	// Tool steps
	ToolName   string `db:"tool_name"`
	ToolResult string `db:"tool_result"`

	// Delegation steps
	AgentName string `db:"agent_name"`
	AgentTask string `db:"agent_task"`

	Metadata    JSONB      `db:"metadata"`
	StartedAt   time.Time  `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
	CreatedAt   time.Time  `db:"created_at"`
}

// EventLog represents a persisted streaming event row.
type EventLog struct {
	ID         uuid.UUID `db:"id" json:"id"`
	WorkflowID string    `db:"workflow_id" json:"workflow_id"`
	Type       string    `db:"type" json:"type"`
	AgentID    string    `db:"agent_id" json:"agent_id,omitempty"`
	Message    string    `db:"message" json:"message,omitempty"`
	Payload    JSONB     `db:"payload" json:"payload,omitempty"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
	Seq        uint64    `db:"seq" json:"seq,omitempty"`
	StreamID   string    `db:"stream_id" json:"stream_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// RunFilter provides filtering options for run queries
type RunFilter struct {
	UserID    *uuid.UUID
	ProjectID *uuid.UUID
	SessionID *string
	Status    *string
	Mode      *string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}
