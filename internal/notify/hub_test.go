package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// fakeInstaller counts installs and uninstalls per (device, category) pair.
type fakeInstaller struct {
	mu         sync.Mutex
	installs   map[string]int
	uninstalls map[string]int
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{
		installs:   make(map[string]int),
		uninstalls: make(map[string]int),
	}
}

func (f *fakeInstaller) install(deviceID string, cat Category) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%s/%s", deviceID, cat)
	f.installs[key]++
	return func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.uninstalls[key]++
		return nil
	}, nil
}

func (f *fakeInstaller) counts(deviceID string, cat Category) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s/%s", deviceID, cat)
	return f.installs[key], f.uninstalls[key]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubscribeInstallsOncePerPair(t *testing.T) {
	inst := newFakeInstaller()
	hub := NewHub(testLogger(), inst.install)

	s1, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	s2, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}

	if n, _ := inst.counts("dev-1", CategoryVolume); n != 1 {
		t.Errorf("installs = %d, want 1 (shared registration)", n)
	}

	s1.Cancel()
	if _, n := inst.counts("dev-1", CategoryVolume); n != 0 {
		t.Errorf("uninstalled while a subscriber remains")
	}

	s2.Cancel()
	if _, n := inst.counts("dev-1", CategoryVolume); n != 1 {
		t.Errorf("uninstalls = %d, want 1 after last cancel", n)
	}
	if hub.Registrations() != 0 {
		t.Errorf("registrations = %d, want 0", hub.Registrations())
	}
}

func TestSubscribeSystemCategoriesIgnoreDevice(t *testing.T) {
	inst := newFakeInstaller()
	hub := NewHub(testLogger(), inst.install)

	s1, err := hub.Subscribe("dev-1", []Category{CategoryDefaultDevice})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	s2, err := hub.Subscribe("dev-2", []Category{CategoryDefaultDevice})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer s1.Cancel()
	defer s2.Cancel()

	// System-wide category: both subscriptions share one registration
	// keyed on the empty device ID.
	if n, _ := inst.counts("", CategoryDefaultDevice); n != 1 {
		t.Errorf("installs = %d, want 1", n)
	}
	if n, _ := inst.counts("dev-1", CategoryDefaultDevice); n != 0 {
		t.Errorf("device-keyed install happened for a system category")
	}
}

func TestSubscribeValidation(t *testing.T) {
	hub := NewHub(testLogger(), newFakeInstaller().install)

	tests := []struct {
		name string
		cats []Category
	}{
		{"empty", nil},
		{"duplicate", []Category{CategoryVolume, CategoryVolume}},
		{"unknown", []Category{Category(42)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := hub.Subscribe("dev-1", tt.cats)
			if fault.KindOf(err) != fault.KindInvalidArgument {
				t.Errorf("error kind = %v, want KindInvalidArgument", fault.KindOf(err))
			}
		})
	}
}

func TestSubscribePartialFailureUnwinds(t *testing.T) {
	inst := newFakeInstaller()
	hub := NewHub(testLogger(), inst.install)

	// First category installs, second fails: the first must be rolled back.
	failing := func(deviceID string, cat Category) (func() error, error) {
		if cat == CategoryMute {
			return nil, fault.New(fault.KindCallbackRegistration, "mute registration rejected")
		}
		return inst.install(deviceID, cat)
	}
	hub.installer = failing

	_, err := hub.Subscribe("dev-1", []Category{CategoryVolume, CategoryMute})
	if fault.KindOf(err) != fault.KindCallbackRegistration {
		t.Fatalf("error kind = %v, want KindCallbackRegistration", fault.KindOf(err))
	}

	ins, uns := inst.counts("dev-1", CategoryVolume)
	if ins != 1 || uns != 1 {
		t.Errorf("volume installs/uninstalls = %d/%d, want 1/1 (rolled back)", ins, uns)
	}
	if hub.Registrations() != 0 {
		t.Errorf("registrations = %d, want 0 after failed subscribe", hub.Registrations())
	}
	if hub.ActiveSubscriptions() != 0 {
		t.Errorf("active subscriptions = %d, want 0", hub.ActiveSubscriptions())
	}
}

func TestPublishOrderedFanout(t *testing.T) {
	hub := NewHub(testLogger(), newFakeInstaller().install)

	s1, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	s2, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer s1.Cancel()
	defer s2.Cancel()

	const n = 50
	for i := 0; i < n; i++ {
		hub.Publish(CategoryVolume, "dev-1", float32(i)/n)
	}

	ctx := context.Background()
	for _, sub := range []*Subscription{s1, s2} {
		for i := 0; i < n; i++ {
			ev, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("Next %d failed: %v", i, err)
			}
			if ev.Value.(float32) != float32(i)/n {
				t.Fatalf("event %d = %v, want %v (order violated)", i, ev.Value, float32(i)/n)
			}
		}
	}
}

func TestPublishWithoutRegistrationIsDiscarded(t *testing.T) {
	hub := NewHub(testLogger(), newFakeInstaller().install)

	discarded := 0
	hub.OnDiscarded = func(Category) { discarded++ }

	hub.Publish(CategoryVolume, "dev-1", float32(0.5))
	if discarded != 1 {
		t.Errorf("discarded = %d, want 1", discarded)
	}
}

func TestCancelDeliversBufferedEvents(t *testing.T) {
	hub := NewHub(testLogger(), newFakeInstaller().install)

	sub, err := hub.Subscribe("dev-1", []Category{CategoryMute})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	hub.Publish(CategoryMute, "dev-1", true)
	hub.Publish(CategoryMute, "dev-1", false)
	sub.Cancel()

	// In-flight events survive cancellation; only after draining does
	// Next report closure.
	ctx := context.Background()
	for _, want := range []bool{true, false} {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next after cancel failed: %v", err)
		}
		if ev.Value.(bool) != want {
			t.Errorf("event value = %v, want %v", ev.Value, want)
		}
	}
	if _, err := sub.Next(ctx); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Next on drained subscription = %v, want ErrSubscriptionClosed", err)
	}

	// Publishing after cancel reaches nobody.
	hub.Publish(CategoryMute, "dev-1", true)
	if sub.Pending() != 0 {
		t.Errorf("pending = %d after post-cancel publish, want 0", sub.Pending())
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	inst := newFakeInstaller()
	hub := NewHub(testLogger(), inst.install)

	sub, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	sub.Cancel()
	sub.Cancel()

	if _, n := inst.counts("dev-1", CategoryVolume); n != 1 {
		t.Errorf("uninstalls = %d, want 1 after double cancel", n)
	}
}

func TestConcurrentSubscribeCancel(t *testing.T) {
	inst := newFakeInstaller()
	hub := NewHub(testLogger(), inst.install)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sub, err := hub.Subscribe("dev-1", []Category{CategoryVolume, CategoryDeviceList})
				if err != nil {
					t.Errorf("subscribe failed: %v", err)
					return
				}
				hub.Publish(CategoryVolume, "dev-1", float32(j))
				sub.Cancel()
			}
		}()
	}
	wg.Wait()

	if hub.Registrations() != 0 {
		t.Errorf("registrations = %d, want 0 after churn", hub.Registrations())
	}
	ins, uns := inst.counts("dev-1", CategoryVolume)
	if ins != uns {
		t.Errorf("installs %d != uninstalls %d", ins, uns)
	}
}

func TestHubCloseCancelsSubscriptions(t *testing.T) {
	hub := NewHub(testLogger(), newFakeInstaller().install)

	sub, err := hub.Subscribe("dev-1", []Category{CategoryVolume})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("Next after hub close = %v, want ErrSubscriptionClosed", err)
	}
	if hub.ActiveSubscriptions() != 0 {
		t.Errorf("active subscriptions = %d, want 0", hub.ActiveSubscriptions())
	}
}
