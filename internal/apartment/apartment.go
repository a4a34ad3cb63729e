package apartment

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashb/windows-audio-events/internal/fault"
)

const defaultQueueSize = 64

// Task is a unit of work executed on the apartment thread.
type Task func() (any, error)

// Options configures the apartment thread.
type Options struct {
	// QueueSize is the capacity of the pending task buffer. Submission
	// order is preserved regardless of the value. Defaults to 64.
	QueueSize int

	// Init runs on the apartment thread before any task, typically to
	// initialize the COM apartment. If it fails the thread never starts
	// and every subsequent Submit fails with apartment_unavailable.
	Init func() error

	// Teardown runs on the apartment thread after the task queue has been
	// drained and all registered cleanups have run.
	Teardown func()
}

// outcome is the resolved value of a task.
type outcome struct {
	value any
	err   error
}

// Future resolves once with the result of a submitted task.
type Future struct {
	ch chan outcome
}

// Wait blocks until the task resolves or ctx is cancelled. Cancellation
// abandons the result: the task still runs to completion on the apartment
// thread, but its outcome is discarded.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-f.ch:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolved builds an already-resolved future, used when submission itself fails.
func resolved(err error) *Future {
	f := &Future{ch: make(chan outcome, 1)}
	f.ch <- outcome{err: err}
	return f
}

// job pairs a task with the future its caller is waiting on.
type job struct {
	task Task
	fut  *Future
}

// Thread is the single-threaded apartment event loop. All COM object
// creation, method invocation and destruction happens inside it.
type Thread struct {
	logger   *slog.Logger
	teardown func()

	mu      sync.Mutex
	stopped bool
	tasks   chan job

	done    chan struct{}
	pending atomic.Int64

	// cleanups run in reverse registration order during drain. Mutated
	// only from the apartment thread itself (via Defer inside a task).
	cleanups []func()
}

// Start spawns the apartment thread and blocks until its Init hook has
// completed. A failed Init is fatal and not retried.
func Start(logger *slog.Logger, opts Options) (*Thread, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	t := &Thread{
		logger:   logger,
		teardown: opts.Teardown,
		tasks:    make(chan job, opts.QueueSize),
		done:     make(chan struct{}),
	}

	started := make(chan error, 1)
	go t.run(opts.Init, started)

	if err := <-started; err != nil {
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		return nil, fault.Wrap(fault.KindApartmentUnavailable, err, "apartment thread failed to start")
	}

	return t, nil
}

// Submit enqueues a task for execution on the apartment thread and returns
// its future. Tasks submitted in sequence by one caller execute in
// submission order; tasks from different callers interleave in submission
// order with no priority.
func (t *Thread) Submit(task Task) *Future {
	fut := &Future{ch: make(chan outcome, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return resolved(fault.New(fault.KindApartmentUnavailable, "apartment thread has shut down"))
	}

	t.pending.Add(1)
	t.tasks <- job{task: task, fut: fut}
	return fut
}

// Do submits a task and waits for its result in one call.
func (t *Thread) Do(ctx context.Context, task Task) (any, error) {
	return t.Submit(task).Wait(ctx)
}

// Defer registers a cleanup to run during shutdown drain, after all pending
// tasks and before Teardown. Cleanups run in reverse registration order.
// Must be called from a task executing on the apartment thread.
func (t *Thread) Defer(cleanup func()) {
	t.cleanups = append(t.cleanups, cleanup)
}

// Pending reports the number of tasks submitted but not yet finished.
func (t *Thread) Pending() int {
	return int(t.pending.Load())
}

// Stop closes the intake, drains every already-submitted task, runs
// cleanups in reverse order, then tears the apartment down. Safe to call
// more than once; later calls wait for the first to finish.
func (t *Thread) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		close(t.tasks)
	}
	t.mu.Unlock()

	<-t.done
}

// run is the apartment event loop. The OS thread is locked for the whole
// lifetime so the COM apartment and every interface pointer created in it
// stay on this thread.
func (t *Thread) run(init func() error, started chan<- error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	tid := currentThreadID()

	if init != nil {
		if err := init(); err != nil {
			t.logger.Error("Apartment initialization failed",
				slog.Uint64("os_thread_id", tid),
				slog.String("error", err.Error()),
			)
			started <- err
			return
		}
	}
	started <- nil

	t.logger.Info("Apartment thread started",
		slog.Uint64("os_thread_id", tid),
	)

	for j := range t.tasks {
		t.execute(j)
	}

	// Intake is closed and drained: release owned objects in reverse
	// creation order, then uninitialize the apartment.
	for i := len(t.cleanups) - 1; i >= 0; i-- {
		t.cleanups[i]()
	}
	if t.teardown != nil {
		t.teardown()
	}

	t.logger.Info("Apartment thread stopped",
		slog.Uint64("os_thread_id", tid),
	)
}

// execute runs one task, converting a panic into a platform error instead
// of taking down the loop and every queued caller with it.
func (t *Thread) execute(j job) {
	defer t.pending.Add(-1)

	start := time.Now()
	var out outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				out = outcome{err: fault.New(fault.KindPlatform, "task panicked: %v", r)}
				t.logger.Error("Apartment task panicked",
					slog.String("panic", fmt.Sprintf("%v", r)),
				)
			}
		}()
		v, err := j.task()
		out = outcome{value: v, err: err}
	}()

	if elapsed := time.Since(start); elapsed > time.Second {
		t.logger.Warn("Slow apartment task",
			slog.Duration("elapsed", elapsed),
		)
	}

	j.fut.ch <- out
}
