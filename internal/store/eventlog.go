package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Append writes an event with the next per-run sequence number. The sequence
// read and the insert happen inside one write transaction so concurrent
// appenders cannot interleave.
func (el *EventLog) Append(ctx context.Context, event *RunEvent) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; a write-intent
	// statement upgrades it to a write transaction before the sequence read.
	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_version SET name = name WHERE version = -1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Seq = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_id, event_type, payload, timestamp, seq)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with seq > sinceSeq, ordered by seq ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, sinceSeq int64) ([]*RunEvent, error) {
	return el.store.GetEvents(ctx, runID, sinceSeq)
}

// Replay folds a run's event log into per-step snapshots. It fails if the
// sequence is not contiguous from 1, which would mean the log lost writes.
func (el *EventLog) Replay(ctx context.Context, runID string) (map[string]*StepSnapshot, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Seq != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Seq)
		}
	}

	steps := make(map[string]*StepSnapshot)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := steps[e.StepID]
		if !ok {
			ss = &StepSnapshot{StepID: e.StepID, Status: schema.StepPending}
			steps[e.StepID] = ss
		}

		payload := decodePayload(e.Payload)
		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepSucceeded:
			ss.Status = schema.StepSucceeded
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Error = ""
			ss.DurationMs = payloadDuration(payload, ss.StartedAt, ts)

		case schema.EventStepFailed:
			ss.Status = schema.StepFailed
			ts := e.Timestamp
			ss.CompletedAt = &ts
			if msg, ok := payload["error"].(string); ok {
				ss.Error = msg
			}
			ss.DurationMs = payloadDuration(payload, ss.StartedAt, ts)

		case schema.EventStepSkipped:
			ss.Status = schema.StepSkipped

		case schema.EventStepRetrying:
			ss.Retries++
		}
		// Flow events (condition_evaluated, foreach_iteration, parallel_*)
		// carry detail but do not change step state.
	}

	return steps, nil
}

func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// payloadDuration prefers the duration the engine measured; events written
// without one fall back to the timestamp delta.
func payloadDuration(payload map[string]any, startedAt *time.Time, completed time.Time) int64 {
	if d, ok := payload["duration_ms"].(float64); ok {
		return int64(d)
	}
	if startedAt != nil {
		return completed.Sub(*startedAt).Milliseconds()
	}
	return 0
}
