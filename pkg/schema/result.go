package schema

import "time"

// StepStatus is the lifecycle state of a step within one execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status is an end state.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunCancelled:
		return true
	}
	return false
}

// StepResult records the outcome of one step. A skipped step carries
// Skipped=true with Success=false; consumers must check Skipped before
// reading Success as a failure signal. For foreach and parallel steps,
// Result is the ordered array of child result values and Children holds
// the full per-child records.
type StepResult struct {
	StepID     string        `json:"step_id"`
	Success    bool          `json:"success"`
	Result     any           `json:"result"`
	Error      string        `json:"error,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	Attempts   int           `json:"attempts,omitempty"` // retries consumed beyond the first try
	DurationMs int64         `json:"duration_ms"`
	Children   []*StepResult `json:"children,omitempty"`
}

// SkippedResult builds the StepResult recorded for a step whose condition
// evaluated false.
func SkippedResult(stepID string) *StepResult {
	return &StepResult{StepID: stepID, Skipped: true}
}

// WorkflowResult is the aggregate outcome handed back to the caller.
// Success is true only when no step ended failed; skipped steps do not
// count as failures.
type WorkflowResult struct {
	Success    bool                   `json:"success"`
	Status     RunStatus              `json:"status,omitempty"`
	Results    map[string]*StepResult `json:"results"`
	StepStatus map[string]StepStatus  `json:"step_status"`
	DurationMs int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
	TimedOut   bool                   `json:"timed_out"`
	RunID      string                 `json:"run_id,omitempty"`
}

// NewWorkflowResult returns an empty result with allocated maps.
func NewWorkflowResult(runID string) *WorkflowResult {
	return &WorkflowResult{
		Results:    make(map[string]*StepResult),
		StepStatus: make(map[string]StepStatus),
		RunID:      runID,
	}
}
