package schema

// Event type constants for the run event log.
const (
	EventRunStarted   = "run_started"
	EventRunSucceeded = "run_succeeded"
	EventRunFailed    = "run_failed"
	EventRunTimedOut  = "run_timed_out"
	EventRunCancelled = "run_cancelled"

	EventStepStarted   = "step_started"
	EventStepSucceeded = "step_succeeded"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventForeachIteration   = "foreach_iteration"
	EventParallelStarted    = "parallel_started"
	EventParallelJoined     = "parallel_joined"
)
