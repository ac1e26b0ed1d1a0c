package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venzel/stepflow/pkg/schema"
)

func TestWorkerPoolRunsWork(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	ran := false
	err := p.Do(context.Background(), func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), p.Metrics().Completed)
}

func TestWorkerPoolClampsSize(t *testing.T) {
	p := NewWorkerPool(0)
	defer p.Shutdown()
	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestWorkerPoolPropagatesErrors(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), p.Metrics().Failed)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				c := current.Add(1)
				for {
					m := peak.Load()
					if c <= m || peak.CompareAndSwap(m, c) {
						break
					}
				}
				time.Sleep(15 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, int64(6), p.Metrics().Completed)
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	err := p.Do(context.Background(), func(context.Context) error {
		panic("tool exploded")
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.ErrorCode(err))
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, int64(1), p.Metrics().Panics)

	// The slot is released; the pool keeps working.
	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestWorkerPoolShutdownRejectsNewWork(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown()
	p.Shutdown() // safe to repeat

	err := p.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestWorkerPoolDoHonorsContext(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	release := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			<-release
			return nil
		})
	}()

	// Wait until the only slot is taken.
	require.Eventually(t, func() bool { return p.Metrics().Active == 1 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestWorkerPoolShutdownWaitsForInflight(t *testing.T) {
	p := NewWorkerPool(1)

	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			time.Sleep(30 * time.Millisecond)
			return nil
		})
	}()
	<-started

	p.Shutdown()
	assert.Equal(t, int64(1), p.Metrics().Completed)
	assert.Equal(t, int64(0), p.Metrics().Active)
}
