package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when a step is submitted after Shutdown.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicError is reported to onDone when a step task panics.
type PanicError struct {
	StepID string
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.StepID, e.Value)
}

// Task runs one step invocation.
type Task func(ctx context.Context) error

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool caps the step invocations in flight across every execution
// of an engine. Control steps never take a slot.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup

	active, completed, failed, panics atomic.Int64
}

// NewWorkerPool creates a pool with size slots; size below 1 means 1.
func NewWorkerPool(size int) *WorkerPool {
	return &WorkerPool{
		slots: make(chan struct{}, max(size, 1)),
		done:  make(chan struct{}),
	}
}

// Size returns the number of slots.
func (p *WorkerPool) Size() int { return cap(p.slots) }

// Submit waits for a free slot, honoring ctx, then runs task for stepID on
// its own goroutine. For every accepted task onDone, when non-nil, is
// called once with the task's error or a *PanicError.
func (p *WorkerPool) Submit(ctx context.Context, stepID string, task Task, onDone func(error)) error {
	if p.isClosed() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// Registered under the lock so Shutdown cannot miss the task.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.tasks.Add(1)
	p.mu.Unlock()
	p.active.Add(1)

	go p.run(ctx, stepID, task, onDone)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, stepID string, task Task, onDone func(error)) {
	var err error
	defer func() {
		if v := recover(); v != nil {
			p.panics.Add(1)
			err = &PanicError{StepID: stepID, Value: v, Stack: debug.Stack()}
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.completed.Add(1)
		}
		p.active.Add(-1)
		<-p.slots
		p.tasks.Done()
		if onDone != nil {
			onDone(err)
		}
	}()
	err = task(ctx)
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every accepted task has finished.
func (p *WorkerPool) Wait() { p.tasks.Wait() }

// Shutdown rejects further submissions and waits for running tasks.
// Calling it again is a no-op.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
	p.tasks.Wait()
}

// Metrics returns the current counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
