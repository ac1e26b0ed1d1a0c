package streaming

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/internal/engine"
	"github.com/venzel/stepflow/internal/store"
	"github.com/venzel/stepflow/pkg/schema"
)

func newSinkFixture(t *testing.T) (*store.EventLog, *MemoryHub, *Sink) {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	eventLog := store.NewEventLog(s)
	hub := NewMemoryHub()
	return eventLog, hub, NewSink(eventLog, hub, nil)
}

func TestSinkFansOutToLogAndHub(t *testing.T) {
	eventLog, hub, sink := newSinkFixture(t)
	ctx := context.Background()
	runID := uuid.New().String()

	ch, cancel, err := hub.Subscribe(ctx, Filter{RunID: runID})
	require.NoError(t, err)
	defer cancel()

	sink.Emit(ctx, engine.Event{
		RunID:   runID,
		StepID:  "fetch",
		Type:    schema.EventStepStarted,
		Payload: map[string]any{"type": "tool", "tool": "http.get"},
	})

	select {
	case got := <-ch:
		assert.Equal(t, runID, got.RunID)
		assert.Equal(t, "fetch", got.StepID)
		assert.Equal(t, schema.EventStepStarted, got.Type)
		assert.Equal(t, int64(1), got.Seq)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	persisted, err := eventLog.GetEvents(ctx, runID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, int64(1), persisted[0].Seq)
	assert.JSONEq(t, `{"type":"tool","tool":"http.get"}`, string(persisted[0].Payload))
}

func TestSinkSequencePropagation(t *testing.T) {
	_, hub, sink := newSinkFixture(t)
	ctx := context.Background()
	runID := uuid.New().String()

	ch, cancel, err := hub.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	for range 3 {
		sink.Emit(ctx, engine.Event{RunID: runID, StepID: "s1", Type: schema.EventStepStarted})
	}

	var last RunEvent
	for range 3 {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, int64(3), last.Seq)
}

func TestSinkDeliversOnCancelledContext(t *testing.T) {
	eventLog, hub, sink := newSinkFixture(t)
	runID := uuid.New().String()

	ch, cancel, err := hub.Subscribe(context.Background(), Filter{})
	require.NoError(t, err)
	defer cancel()

	// Terminal run events are emitted after the run context is cancelled.
	runCtx, cancelRun := context.WithCancel(context.Background())
	cancelRun()
	sink.Emit(runCtx, engine.Event{
		RunID:   runID,
		Type:    schema.EventRunCancelled,
		Payload: map[string]any{"duration_ms": 42},
	})

	select {
	case got := <-ch:
		assert.Equal(t, schema.EventRunCancelled, got.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	persisted, err := eventLog.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, schema.EventRunCancelled, persisted[0].Type)
}

func TestSinkWithoutLegs(t *testing.T) {
	sink := NewSink(nil, nil, nil)
	assert.NotPanics(t, func() {
		sink.Emit(context.Background(), engine.Event{RunID: "r", Type: schema.EventRunStarted})
	})
}
