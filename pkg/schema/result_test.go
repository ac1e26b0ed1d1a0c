package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepStatus_Terminal(t *testing.T) {
	assert.False(t, StepPending.Terminal())
	assert.False(t, StepRunning.Terminal())
	assert.True(t, StepSucceeded.Terminal())
	assert.True(t, StepFailed.Terminal())
	assert.True(t, StepSkipped.Terminal())
}

func TestRunStatus_Terminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunSucceeded.Terminal())
	assert.True(t, RunTimedOut.Terminal())
}

func TestSkippedResult(t *testing.T) {
	r := SkippedResult("maybe")

	assert.Equal(t, "maybe", r.StepID)
	assert.True(t, r.Skipped)
	assert.False(t, r.Success, "skipped is not success")
	assert.Nil(t, r.Result)
}

func TestStepResult_JSONKeepsNullResult(t *testing.T) {
	r := &StepResult{StepID: "s", Success: true}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"result":null`)
}

func TestWorkflowResult_JSONFieldNames(t *testing.T) {
	wr := NewWorkflowResult("run-1")
	wr.Success = true
	wr.Results["s"] = &StepResult{StepID: "s", Success: true, Result: "ok"}
	wr.StepStatus["s"] = StepSucceeded
	wr.DurationMs = 42
	wr.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	data, err := json.Marshal(wr)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "success")
	assert.Contains(t, m, "results")
	assert.Contains(t, m, "step_status")
	assert.Contains(t, m, "duration_ms")
	assert.Contains(t, m, "timestamp")
	assert.Contains(t, m, "timed_out")
	assert.Equal(t, "run-1", m["run_id"])
}

func TestNewWorkflowResult_MapsAllocated(t *testing.T) {
	wr := NewWorkflowResult("")
	assert.NotNil(t, wr.Results)
	assert.NotNil(t, wr.StepStatus)
	assert.Empty(t, wr.RunID)
}
