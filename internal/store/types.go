package store

import (
	"encoding/json"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// Run is the persisted record of one workflow execution. Definitions are
// never stored; a run carries only the workflow name it was started from.
type Run struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      schema.RunStatus `json:"status"`
	Success     bool             `json:"success"`
	Result      json.RawMessage  `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	DurationMs  int64            `json:"duration_ms,omitempty"`
}

// RunEvent is an immutable entry in the per-run event log. Seq is assigned
// by EventLog.Append and is contiguous within a run, starting at 1.
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       int64           `json:"seq"`
}

// StepSnapshot is a step's state as reconstructed from the event log.
type StepSnapshot struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	Retries     int               `json:"retries,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// ScheduledJob is a cron-triggered execution of a catalog workflow.
type ScheduledJob struct {
	ID             string          `json:"id"`
	Workflow       string          `json:"workflow"`
	CronExpression string          `json:"cron_expression"`
	Variables      json.RawMessage `json:"variables,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status *schema.RunStatus `json:"status,omitempty"`
	Name   string            `json:"name,omitempty"`
	Since  *time.Time        `json:"since,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run. Nil fields are left as-is.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Success     *bool             `json:"success,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  *int64            `json:"duration_ms,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Workflow string `json:"workflow,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}
