package engine

import (
	"sync"

	"github.com/venzel/stepflow/pkg/schema"
)

// ValidStepTransitions defines the legal step status transitions. A step
// skipped by a false condition moves from pending to skipped without ever
// running; a step skipped as an untaken condition branch may also move there
// from running when its parent mirrors a skipped child.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepSucceeded, schema.StepFailed, schema.StepSkipped},
	schema.StepSucceeded: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}

// ValidRunTransitions defines the legal run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunPending:   {schema.RunRunning, schema.RunCancelled},
	schema.RunRunning:   {schema.RunSucceeded, schema.RunFailed, schema.RunTimedOut, schema.RunCancelled},
	schema.RunSucceeded: {},
	schema.RunFailed:    {},
	schema.RunTimedOut:  {},
	schema.RunCancelled: {},
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, allowed := range ValidRunTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Tracker holds the run status and the status of every step in the
// definition tree, enforcing the transition tables above. All methods are
// safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	run   schema.RunStatus
	steps map[string]schema.StepStatus
}

// NewTracker seeds a tracker with every step in the tree set to pending and
// the run set to pending.
func NewTracker(def *schema.WorkflowDefinition) *Tracker {
	t := &Tracker{
		run:   schema.RunPending,
		steps: make(map[string]schema.StepStatus),
	}
	if def != nil {
		for _, st := range def.Steps {
			t.seed(st)
		}
	}
	return t
}

func (t *Tracker) seed(st *schema.Step) {
	if st == nil || st.ID == "" {
		return
	}
	t.steps[st.ID] = schema.StepPending
	for _, child := range st.Children() {
		t.seed(child)
	}
}

// TransitionRun moves the run to a new status, rejecting illegal transitions.
func (t *Tracker) TransitionRun(to schema.RunStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !isValidRunTransition(t.run, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition from %s to %s", t.run, to)
	}
	t.run = to
	return nil
}

// TransitionStep moves a step to a new status, rejecting illegal transitions
// and unknown step ids.
func (t *Tracker) TransitionStep(id string, to schema.StepStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.steps[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"unknown step %q", id).WithStep(id)
	}
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition from %s to %s", from, to).WithStep(id)
	}
	t.steps[id] = to
	return nil
}

// RunStatus returns the current run status.
func (t *Tracker) RunStatus() schema.RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.run
}

// StepStatus returns the current status of a step, or pending for unknown ids.
func (t *Tracker) StepStatus(id string) schema.StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps[id]
}

// RearmTree resets the step and its whole subtree to pending so a loop body
// can run again on the next iteration.
func (t *Tracker) RearmTree(st *schema.Step) {
	if st == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rearm(st)
}

func (t *Tracker) rearm(st *schema.Step) {
	if st == nil || st.ID == "" {
		return
	}
	t.steps[st.ID] = schema.StepPending
	for _, child := range st.Children() {
		t.rearm(child)
	}
}

// AbandonTree marks every still-running step in the subtree as failed. Steps
// that never started stay pending.
func (t *Tracker) AbandonTree(st *schema.Step) {
	if st == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abandon(st)
}

func (t *Tracker) abandon(st *schema.Step) {
	if st == nil || st.ID == "" {
		return
	}
	if t.steps[st.ID] == schema.StepRunning {
		t.steps[st.ID] = schema.StepFailed
	}
	for _, child := range st.Children() {
		t.abandon(child)
	}
}

// Snapshot returns a copy of the per-step status map.
func (t *Tracker) Snapshot() map[string]schema.StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]schema.StepStatus, len(t.steps))
	for id, status := range t.steps {
		out[id] = status
	}
	return out
}
