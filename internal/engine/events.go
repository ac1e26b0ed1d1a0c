package engine

import "context"

// Event is a single execution lifecycle notification. StepID is empty for
// run-level events. Payload carries event-specific detail and may be nil.
type Event struct {
	RunID   string
	StepID  string
	Type    string
	Payload map[string]any
}

// EventSink receives execution events. Emit must be safe for concurrent use;
// the engine treats delivery as best-effort and never blocks on sink errors.
type EventSink interface {
	Emit(ctx context.Context, e Event)
}

// discardSink is the default sink when none is configured.
type discardSink struct{}

func (discardSink) Emit(context.Context, Event) {}
