package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/pkg/schema"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	require.NoError(t, reg.Allow("search"))
	assert.Equal(t, BreakerClosed, reg.RecordFailure("search"))
	require.NoError(t, reg.Allow("search"))
	assert.Equal(t, BreakerOpen, reg.RecordFailure("search"))

	err := reg.Allow("search")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
	assert.Equal(t, BreakerOpen, reg.State("search"))

	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 2, fe.Details["consecutive_failures"])
}

func TestBreakerSuccessResets(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})

	reg.RecordFailure("search")
	reg.RecordSuccess("search")
	// The failure streak restarts; one more failure must not open.
	assert.Equal(t, BreakerClosed, reg.RecordFailure("search"))
	assert.NoError(t, reg.Allow("search"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond, HalfOpenMax: 1})

	assert.Equal(t, BreakerOpen, reg.RecordFailure("search"))
	require.Error(t, reg.Allow("search"))

	time.Sleep(30 * time.Millisecond)

	// First call after cooldown is the probe.
	require.NoError(t, reg.Allow("search"))
	assert.Equal(t, BreakerHalfOpen, reg.State("search"))
	// A second caller is held back while the probe is in flight.
	require.Error(t, reg.Allow("search"))

	reg.RecordSuccess("search")
	assert.Equal(t, BreakerClosed, reg.State("search"))
	assert.NoError(t, reg.Allow("search"))
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 20 * time.Millisecond, HalfOpenMax: 1})

	reg.RecordFailure("search")
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, reg.Allow("search"))

	assert.Equal(t, BreakerOpen, reg.RecordFailure("search"))
	err := reg.Allow("search")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
}

func TestBreakerIsolatesTools(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})

	reg.RecordFailure("search")
	require.Error(t, reg.Allow("search"))
	assert.NoError(t, reg.Allow("summarize"))
}

func TestBreakerDefaults(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{})
	for i := 0; i < 4; i++ {
		assert.Equal(t, BreakerClosed, reg.RecordFailure("search"))
	}
	assert.Equal(t, BreakerOpen, reg.RecordFailure("search"))
}

func TestBreakerStats(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenMax: 1})
	reg.RecordFailure("search")
	reg.RecordFailure("search")

	stats := reg.Stats("search")
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
}

func TestBreakerStateString(t *testing.T) {
	assert.Equal(t, "closed", BreakerClosed.String())
	assert.Equal(t, "open", BreakerOpen.String())
	assert.Equal(t, "half_open", BreakerHalfOpen.String())
}

func TestBreakerInvokerGatesCalls(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMax: 1})
	calls := 0
	next := InvokerFunc(func(context.Context, string, map[string]any) (any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeStepExecution, "down")
	})
	bi := &breakerInvoker{reg: reg, next: next}

	_, err := bi.Invoke(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.ErrorCode(err))
	assert.Equal(t, 1, calls)

	// The circuit is open now; the tool itself is no longer reached.
	_, err = bi.Invoke(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
	assert.Equal(t, 1, calls)
}

func TestBreakerInvokerRecordsSuccess(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute, HalfOpenMax: 1})
	next := InvokerFunc(func(_ context.Context, _ string, params map[string]any) (any, error) {
		return params, nil
	})
	bi := &breakerInvoker{reg: reg, next: next}

	reg.RecordFailure("search")
	out, err := bi.Invoke(context.Background(), "search", map[string]any{"q": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"q": "go"}, out)
	assert.Equal(t, 0, reg.Stats("search")["consecutive_failures"])
}
