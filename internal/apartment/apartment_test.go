package apartment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashb/windows-audio-events/internal/fault"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmitResolvesResult(t *testing.T) {
	thread, err := Start(testLogger(), Options{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer thread.Stop()

	got, err := thread.Do(context.Background(), func() (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if got != 42 {
		t.Errorf("Do returned %v, want 42", got)
	}
}

func TestSubmissionOrderIsFIFO(t *testing.T) {
	thread, err := Start(testLogger(), Options{QueueSize: 128})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	const n = 100
	var order []int
	futures := make([]*Future, 0, n)

	for i := 0; i < n; i++ {
		i := i
		futures = append(futures, thread.Submit(func() (any, error) {
			order = append(order, i)
			return nil, nil
		}))
	}

	for _, f := range futures {
		if _, err := f.Wait(context.Background()); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	thread.Stop()

	if len(order) != n {
		t.Fatalf("executed %d tasks, want %d", len(order), n)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("task %d executed at position %d, order not FIFO", v, i)
		}
	}
}

func TestSubmitAfterStopFailsFatally(t *testing.T) {
	thread, err := Start(testLogger(), Options{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	thread.Stop()

	_, err = thread.Do(context.Background(), func() (any, error) {
		t.Error("task must not run after shutdown")
		return nil, nil
	})
	if fault.KindOf(err) != fault.KindApartmentUnavailable {
		t.Errorf("error kind = %v, want KindApartmentUnavailable", fault.KindOf(err))
	}
}

func TestFailedInitIsFatal(t *testing.T) {
	initErr := errors.New("apartment already initialized with incompatible concurrency model")
	thread, err := Start(testLogger(), Options{
		Init: func() error { return initErr },
	})
	if thread != nil {
		t.Fatal("Start should not return a thread when init fails")
	}
	if fault.KindOf(err) != fault.KindApartmentUnavailable {
		t.Errorf("error kind = %v, want KindApartmentUnavailable", fault.KindOf(err))
	}
	if !errors.Is(err, initErr) {
		t.Errorf("original init error lost from chain: %v", err)
	}
}

func TestAbandonedTaskStillExecutes(t *testing.T) {
	thread, err := Start(testLogger(), Options{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer thread.Stop()

	release := make(chan struct{})
	executed := make(chan struct{})

	// Occupy the thread so the next task is still queued when we cancel.
	blocker := thread.Submit(func() (any, error) {
		<-release
		return nil, nil
	})

	fut := thread.Submit(func() (any, error) {
		close(executed)
		return "discarded", nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fut.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait on cancelled context = %v, want context.Canceled", err)
	}

	close(release)
	if _, err := blocker.Wait(context.Background()); err != nil {
		t.Fatalf("blocker failed: %v", err)
	}

	select {
	case <-executed:
		// The abandoned task ran to completion, result discarded.
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned task never executed")
	}
}

func TestStopDrainsPendingTasks(t *testing.T) {
	thread, err := Start(testLogger(), Options{QueueSize: 32})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var mu sync.Mutex
	executed := 0
	const n = 20
	for i := 0; i < n; i++ {
		thread.Submit(func() (any, error) {
			mu.Lock()
			executed++
			mu.Unlock()
			return nil, nil
		})
	}

	thread.Stop()

	mu.Lock()
	defer mu.Unlock()
	if executed != n {
		t.Errorf("drained %d tasks, want %d", executed, n)
	}
}

func TestCleanupsRunInReverseOrder(t *testing.T) {
	teardownDone := false
	thread, err := Start(testLogger(), Options{
		Teardown: func() { teardownDone = true },
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var order []string
	_, err = thread.Do(context.Background(), func() (any, error) {
		thread.Defer(func() { order = append(order, "first") })
		thread.Defer(func() { order = append(order, "second") })
		thread.Defer(func() { order = append(order, "third") })
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	thread.Stop()

	want := []string{"third", "second", "first"}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("cleanup order[%d] = %q, want %q (release must be reverse-creation order)", i, order[i], want[i])
		}
	}
	if !teardownDone {
		t.Error("teardown hook did not run")
	}
}

func TestTaskPanicIsContained(t *testing.T) {
	thread, err := Start(testLogger(), Options{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer thread.Stop()

	_, err = thread.Do(context.Background(), func() (any, error) {
		panic("boom")
	})
	if fault.KindOf(err) != fault.KindPlatform {
		t.Errorf("panicked task error kind = %v, want KindPlatform", fault.KindOf(err))
	}

	// The loop must survive for later callers.
	got, err := thread.Do(context.Background(), func() (any, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Errorf("thread unusable after panic: %v %v", got, err)
	}
}

func TestStopIsReentrant(t *testing.T) {
	thread, err := Start(testLogger(), Options{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		thread.Stop()
		close(done)
	}()
	thread.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent Stop did not return")
	}
}
