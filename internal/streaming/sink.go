package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/venzel/stepflow/internal/engine"
	"github.com/venzel/stepflow/internal/store"
)

// Sink fans engine events out to the durable event log and the live hub.
// It implements engine.EventSink.
type Sink struct {
	log    *store.EventLog
	hub    Hub
	logger *slog.Logger
}

// NewSink creates a sink writing to the given event log and hub. Either may be
// nil, in which case that leg of the fan-out is skipped.
func NewSink(eventLog *store.EventLog, hub Hub, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{log: eventLog, hub: hub, logger: logger}
}

// Emit persists the event and then publishes it to live subscribers. Terminal
// run events arrive on an already-cancelled context, so both legs run on a
// detached context; losing the run_cancelled record would break replay.
// Failures are logged, never propagated: event delivery must not fail a run.
func (s *Sink) Emit(ctx context.Context, e engine.Event) {
	ctx = context.WithoutCancel(ctx)
	ts := time.Now().UTC()

	var seq int64
	if s.log != nil {
		rec := &store.RunEvent{
			RunID:     e.RunID,
			StepID:    e.StepID,
			Type:      e.Type,
			Payload:   marshalPayload(e.Payload),
			Timestamp: ts,
		}
		if err := s.log.Append(ctx, rec); err != nil {
			s.logger.Error("event append failed",
				"run_id", e.RunID, "step_id", e.StepID, "type", e.Type, "error", err)
		} else {
			seq = rec.Seq
		}
	}

	if s.hub != nil {
		err := s.hub.Publish(ctx, RunEvent{
			RunID:     e.RunID,
			StepID:    e.StepID,
			Type:      e.Type,
			Payload:   e.Payload,
			Seq:       seq,
			Timestamp: ts,
		})
		if err != nil {
			s.logger.Warn("event publish failed",
				"run_id", e.RunID, "type", e.Type, "error", err)
		}
	}
}

func marshalPayload(payload map[string]any) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return raw
}
