package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/venzel/stepflow/pkg/schema"
)

// ErrPoolShutdown is returned by Do after Shutdown has been called.
var ErrPoolShutdown = schema.NewError(schema.ErrCodeStepExecution, "worker pool is shut down")

// PoolMetrics is a snapshot of worker pool activity counters.
type PoolMetrics struct {
	Active    int64
	Completed int64
	Failed    int64
	Panics    int64
}

// WorkerPool bounds the number of tool invocations running at once across
// all workflows sharing it. Do runs the function on the calling goroutine
// after acquiring a slot, so parallel branches queue instead of stacking
// unbounded work on the invoker.
type WorkerPool struct {
	sem       chan struct{}
	wg        sync.WaitGroup
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with the given number of slots. Sizes below
// one are clamped to one.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Do acquires a slot and runs fn synchronously, releasing the slot when fn
// returns. A panic inside fn is recovered and converted to an error so one
// misbehaving tool cannot take down the whole run.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		<-p.sem
		p.wg.Done()
	}()

	err := p.run(ctx, fn)
	if err != nil {
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	return err
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "tool invocation panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Shutdown rejects new work and waits for in-flight work to finish. It is
// safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}

// boundInvoker routes invocations through a worker pool so concurrent
// parallel branches share a bounded set of execution slots.
type boundInvoker struct {
	pool *WorkerPool
	next Invoker
}

func (b *boundInvoker) Invoke(ctx context.Context, tool string, params map[string]any) (any, error) {
	var out any
	err := b.pool.Do(ctx, func(ctx context.Context) error {
		var ierr error
		out, ierr = b.next.Invoke(ctx, tool, params)
		return ierr
	})
	return out, err
}
