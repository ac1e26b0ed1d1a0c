package engine

import (
	"context"
	"sync"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// BreakerState is the position of a per-tool circuit breaker.
type BreakerState int

const (
	// BreakerClosed passes invocations through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects invocations until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen lets a limited number of probe invocations through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the per-tool circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of concurrent probes allowed while half open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker tuning used when none is given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	openedAt         time.Time
	halfOpenInFlight int
}

// BreakerRegistry tracks one circuit breaker per tool name.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	cfg      BreakerConfig
}

// NewBreakerRegistry creates a registry with the given configuration. Zero
// or negative fields fall back to the defaults.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
	}
}

func (r *BreakerRegistry) get(tool string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[tool]
	if !ok {
		b = &breaker{state: BreakerClosed}
		r.breakers[tool] = b
	}
	return b
}

// Allow reports whether an invocation of the tool may proceed. An open
// circuit whose cooldown has elapsed moves to half open and the call counts
// as a probe.
func (r *BreakerRegistry) Allow(tool string) error {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		remaining := r.cfg.Cooldown - time.Since(b.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for tool %q", tool).WithDetails(map[string]any{
				"tool":                  tool,
				"state":                 b.state.String(),
				"consecutive_failures":  b.failures,
				"cooldown_remaining_ms": remaining.Milliseconds(),
			})
		}
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = 0
	}

	if b.state == BreakerHalfOpen {
		if b.halfOpenInFlight >= r.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half open for tool %q, probe in flight", tool).WithDetails(map[string]any{
				"tool":                 tool,
				"state":                b.state.String(),
				"consecutive_failures": b.failures,
			})
		}
		b.halfOpenInFlight++
	}
	return nil
}

// RecordSuccess closes the tool's circuit and clears its failure count.
func (r *BreakerRegistry) RecordSuccess(tool string) {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenInFlight = 0
}

// RecordFailure counts a failed invocation and returns the resulting state.
// A failed half-open probe reopens the circuit immediately; a closed circuit
// opens once the consecutive failure threshold is reached.
func (r *BreakerRegistry) RecordFailure(tool string) BreakerState {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.halfOpenInFlight = 0
	case BreakerClosed:
		if b.failures >= r.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	}
	return b.state
}

// State returns the tool's current breaker state, applying the open to half
// open transition if the cooldown has elapsed.
func (r *BreakerRegistry) State(tool string) BreakerState {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= r.cfg.Cooldown {
		b.state = BreakerHalfOpen
		b.halfOpenInFlight = 0
	}
	return b.state
}

// Stats returns a snapshot of the tool's breaker counters.
func (r *BreakerRegistry) Stats(tool string) map[string]any {
	b := r.get(tool)
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"state":                b.state.String(),
		"consecutive_failures": b.failures,
	}
}

// breakerInvoker gates every invocation attempt through the per-tool
// breaker. A rejected attempt fails with a circuit-open error, which the
// retry controller treats as final.
type breakerInvoker struct {
	reg  *BreakerRegistry
	next Invoker
}

func (bi *breakerInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (any, error) {
	if err := bi.reg.Allow(tool); err != nil {
		return nil, err
	}
	out, err := bi.next.Invoke(ctx, tool, params)
	if err != nil {
		bi.reg.RecordFailure(tool)
		return out, err
	}
	bi.reg.RecordSuccess(tool)
	return out, nil
}
