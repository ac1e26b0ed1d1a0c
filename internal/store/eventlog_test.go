package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/pkg/schema"
)

func appendEvent(t *testing.T, el *EventLog, runID, stepID, eventType, payload string) *RunEvent {
	t.Helper()
	e := &RunEvent{RunID: runID, StepID: stepID, Type: eventType}
	if payload != "" {
		e.Payload = json.RawMessage(payload)
	}
	require.NoError(t, el.Append(context.Background(), e))
	return e
}

func TestAppend_AssignsMonotonicSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	for i := range 5 {
		e := appendEvent(t, el, runID, "s1", schema.EventStepStarted, "")
		assert.Equal(t, int64(i+1), e.Seq)
		assert.False(t, e.Timestamp.IsZero())
	}

	events, err := el.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestAppend_SequencesAreScopedPerRun(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runA := uuid.New().String()
	runB := uuid.New().String()

	// Interleave appends across two runs.
	appendEvent(t, el, runA, "s1", schema.EventStepStarted, "")
	appendEvent(t, el, runB, "s1", schema.EventStepStarted, "")
	appendEvent(t, el, runA, "s1", schema.EventStepSucceeded, "")
	appendEvent(t, el, runB, "s2", schema.EventStepStarted, "")
	appendEvent(t, el, runB, "s2", schema.EventStepFailed, "")

	ctx := context.Background()
	eventsA, err := el.GetEvents(ctx, runA, 0)
	require.NoError(t, err)
	require.Len(t, eventsA, 2)
	assert.Equal(t, int64(1), eventsA[0].Seq)
	assert.Equal(t, int64(2), eventsA[1].Seq)

	eventsB, err := el.GetEvents(ctx, runB, 0)
	require.NoError(t, err)
	require.Len(t, eventsB, 3)
	assert.Equal(t, int64(3), eventsB[2].Seq)
}

func TestGetEvents_SinceSeq(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	for range 5 {
		appendEvent(t, el, runID, "s1", schema.EventStepStarted, "")
	}

	events, err := el.GetEvents(context.Background(), runID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Seq)
	assert.Equal(t, int64(5), events[1].Seq)
}

func TestAppend_PayloadRoundTrips(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	payload := `{"duration_ms":125,"attempts":2}`
	appendEvent(t, el, runID, "s1", schema.EventStepSucceeded, payload)

	events, err := el.GetEvents(context.Background(), runID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, payload, string(events[0].Payload))
	assert.Equal(t, "s1", events[0].StepID)
	assert.Equal(t, schema.EventStepSucceeded, events[0].Type)
}

func TestReplay_Lifecycle(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	appendEvent(t, el, runID, "", schema.EventRunStarted, `{"workflow":"deploy","steps":3}`)
	appendEvent(t, el, runID, "fetch", schema.EventStepStarted, `{"type":"tool","tool":"http.get"}`)
	appendEvent(t, el, runID, "fetch", schema.EventStepSucceeded, `{"duration_ms":125,"attempts":1}`)
	appendEvent(t, el, runID, "transform", schema.EventStepStarted, `{"type":"tool"}`)
	appendEvent(t, el, runID, "transform", schema.EventStepFailed, `{"error":"boom","duration_ms":50}`)
	appendEvent(t, el, runID, "notify", schema.EventStepSkipped, `{"condition":"${steps.transform.success} == true"}`)
	appendEvent(t, el, runID, "", schema.EventRunFailed, `{"duration_ms":200,"failed_steps":["transform"]}`)

	snapshots, err := el.Replay(context.Background(), runID)
	require.NoError(t, err)
	// Run-level events consume sequence numbers but produce no snapshot.
	require.Len(t, snapshots, 3)

	fetch := snapshots["fetch"]
	require.NotNil(t, fetch)
	assert.Equal(t, schema.StepSucceeded, fetch.Status)
	assert.Empty(t, fetch.Error)
	assert.Equal(t, int64(125), fetch.DurationMs)
	assert.NotNil(t, fetch.StartedAt)
	assert.NotNil(t, fetch.CompletedAt)
	assert.Zero(t, fetch.Retries)

	transform := snapshots["transform"]
	require.NotNil(t, transform)
	assert.Equal(t, schema.StepFailed, transform.Status)
	assert.Equal(t, "boom", transform.Error)
	assert.Equal(t, int64(50), transform.DurationMs)

	notify := snapshots["notify"]
	require.NotNil(t, notify)
	assert.Equal(t, schema.StepSkipped, notify.Status)
}

func TestReplay_CountsRetries(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	appendEvent(t, el, runID, "s1", schema.EventStepStarted, "")
	appendEvent(t, el, runID, "s1", schema.EventStepRetrying, `{"attempt":1,"delay_ms":100,"error":"timeout"}`)
	appendEvent(t, el, runID, "s1", schema.EventStepRetrying, `{"attempt":2,"delay_ms":200,"error":"timeout"}`)
	appendEvent(t, el, runID, "s1", schema.EventStepSucceeded, `{"duration_ms":900,"attempts":3}`)

	snapshots, err := el.Replay(context.Background(), runID)
	require.NoError(t, err)
	require.Contains(t, snapshots, "s1")
	assert.Equal(t, 2, snapshots["s1"].Retries)
	assert.Equal(t, schema.StepSucceeded, snapshots["s1"].Status)
}

func TestReplay_DurationFallsBackToTimestamps(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	runID := uuid.New().String()

	started := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, el.Append(ctx, &RunEvent{
		RunID: runID, StepID: "s1", Type: schema.EventStepStarted, Timestamp: started,
	}))
	failed := &RunEvent{
		RunID: runID, StepID: "s1", Type: schema.EventStepFailed,
		Payload:   json.RawMessage(`{"error":"crash"}`),
		Timestamp: started.Add(2 * time.Second),
	}
	require.NoError(t, el.Append(ctx, failed))

	snapshots, err := el.Replay(ctx, runID)
	require.NoError(t, err)
	require.Contains(t, snapshots, "s1")
	assert.Equal(t, int64(2000), snapshots["s1"].DurationMs)
	assert.Equal(t, "crash", snapshots["s1"].Error)
}

func TestReplay_EmptyRun(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)

	snapshots, err := el.Replay(context.Background(), uuid.New().String())
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

func TestReplay_DetectsSequenceGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	runID := uuid.New().String()

	// Insert rows directly so a gap can exist; Append never produces one.
	for _, seq := range []int64{1, 3} {
		_, err := s.DB().ExecContext(context.Background(),
			`INSERT INTO run_events (run_id, step_id, event_type, timestamp, seq)
			 VALUES (?, 's1', 'step_started', CURRENT_TIMESTAMP, ?)`,
			runID, seq,
		)
		require.NoError(t, err)
	}

	_, err := el.Replay(context.Background(), runID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence gap")
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

func TestAppend_ConcurrentAcrossRuns(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	const runs = 5
	const perRun = 10
	runIDs := make([]string, runs)
	for i := range runIDs {
		runIDs[i] = uuid.New().String()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, runs*perRun)
	for _, runID := range runIDs {
		wg.Add(1)
		go func(runID string) {
			defer wg.Done()
			for j := range perRun {
				err := el.Append(ctx, &RunEvent{
					RunID:  runID,
					StepID: fmt.Sprintf("s%d", j),
					Type:   schema.EventStepStarted,
				})
				if err != nil {
					errCh <- err
				}
			}
		}(runID)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append failed: %v", err)
	}

	for _, runID := range runIDs {
		events, err := el.GetEvents(ctx, runID, 0)
		require.NoError(t, err)
		require.Len(t, events, perRun)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	}
}
