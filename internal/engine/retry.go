package engine

import (
	"context"
	"errors"
	"time"

	"github.com/venzel/stepflow/pkg/schema"
)

// Backoff returns the delay before retry attempt k. The first retry fires
// immediately; later retries wait 2^(k-1) seconds, so three retries wait
// 0s, 2s and 4s.
func Backoff(k int) time.Duration {
	if k <= 1 {
		return 0
	}
	return time.Duration(1<<(k-1)) * time.Second
}

// Retryable reports whether an error is worth retrying. Context
// cancellation, deadline expiry and definition-level failures are final;
// transient tool failures and unclassified errors are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch schema.ErrorCode(err) {
	case schema.ErrCodeValidation,
		schema.ErrCodeTimeout,
		schema.ErrCodeCancelled,
		schema.ErrCodeToolNotFound,
		schema.ErrCodeAssertionFailed,
		schema.ErrCodePathDenied,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeInvalidTransition:
		return false
	}
	return true
}

// Sleep blocks for d or until the context is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryController runs a single step attempt loop under a workflow policy.
type RetryController struct {
	policy schema.Policy
	notify func(ctx context.Context, stepID string, attempt int, delay time.Duration, err error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryController builds a controller for the given policy. notify, when
// non-nil, is called once per retry before the backoff delay.
func NewRetryController(policy schema.Policy, notify func(ctx context.Context, stepID string, attempt int, delay time.Duration, err error)) *RetryController {
	return &RetryController{
		policy: policy,
		notify: notify,
		sleep:  Sleep,
	}
}

// Do invokes fn until it succeeds, the error is not retryable, or the retry
// budget is spent. It returns the last value, the number of retries consumed
// and the final error. When the budget is exhausted on a retryable error the
// error is wrapped with a retry-exhausted code so callers can tell a spent
// budget from a first-attempt failure.
func (rc *RetryController) Do(ctx context.Context, stepID string, fn func(ctx context.Context) (any, error)) (any, int, error) {
	out, err := fn(ctx)
	attempt := 0
	for err != nil && rc.policy.RetryOnFailure && attempt < rc.policy.MaxRetries && Retryable(err) {
		attempt++
		delay := Backoff(attempt)
		if rc.notify != nil {
			rc.notify(ctx, stepID, attempt, delay, err)
		}
		if serr := rc.sleep(ctx, delay); serr != nil {
			code := schema.ErrCodeTimeout
			msg := "run deadline reached during retry backoff"
			if errors.Is(serr, context.Canceled) {
				code = schema.ErrCodeCancelled
				msg = "run cancelled during retry backoff"
			}
			return out, attempt, schema.NewError(code, msg).WithStep(stepID).WithCause(err)
		}
		out, err = fn(ctx)
	}
	if err != nil && rc.policy.RetryOnFailure && Retryable(err) {
		err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %v", attempt+1, err).WithStep(stepID).WithCause(err)
	}
	return out, attempt, err
}
