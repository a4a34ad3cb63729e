package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// RegState tracks the lifecycle of one native callback registration.
type RegState uint8

const (
	RegUnregistered RegState = iota
	RegRegistering
	RegActive
	RegCancelling
)

func (s RegState) String() string {
	switch s {
	case RegUnregistered:
		return "unregistered"
	case RegRegistering:
		return "registering"
	case RegActive:
		return "active"
	case RegCancelling:
		return "cancelling"
	default:
		return "invalid"
	}
}

// Installer installs a native callback for one (device, category) pair and
// returns its uninstall function. The hub calls it without holding locks,
// so implementations may block (for example on an apartment-thread task).
// System-wide categories are installed with an empty device ID.
type Installer func(deviceID string, cat Category) (uninstall func() error, err error)

type regKey struct {
	deviceID string
	category Category
}

// registration is one refcounted native callback. Subscriptions sharing a
// (device, category) pair share the registration; the native callback is
// installed on first use and uninstalled when the last subscriber leaves.
type registration struct {
	state     RegState
	refs      int
	uninstall func() error
	subs      []*Subscription

	// transition is closed when the registration leaves a transient state
	// (Registering or Cancelling), so waiters can re-evaluate.
	transition chan struct{}
	installErr error
}

// Hub multiplexes native change callbacks onto subscriber queues. Each
// (device, category) pair holds at most one native registration regardless
// of subscriber count.
type Hub struct {
	logger    *slog.Logger
	installer Installer

	// OnDelivered and OnDiscarded, when set, observe event accounting.
	// They must be assigned before the first Subscribe or Publish.
	OnDelivered func(Category)
	OnDiscarded func(Category)

	mu   sync.Mutex
	regs map[regKey]*registration
	subs map[*Subscription]struct{}
}

// NewHub creates a hub that installs native callbacks through installer.
func NewHub(logger *slog.Logger, installer Installer) *Hub {
	return &Hub{
		logger:    logger.With(slog.String("component", "notify")),
		installer: installer,
		regs:      make(map[regKey]*registration),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscription is one consumer's ordered event stream.
type Subscription struct {
	hub      *Hub
	deviceID string
	cats     []Category
	queue    *eventQueue

	cancelOnce sync.Once
}

// Subscribe creates a subscription for the given categories. Endpoint-scoped
// categories (volume, mute) attach to deviceID; system-wide categories
// ignore it. Native registration happens before Subscribe returns, so no
// change occurring after a successful Subscribe is missed.
func (h *Hub) Subscribe(deviceID string, cats []Category) (*Subscription, error) {
	if len(cats) == 0 {
		return nil, fault.New(fault.KindInvalidArgument, "subscription needs at least one category")
	}
	seen := make(map[Category]bool, len(cats))
	for _, c := range cats {
		if c > CategoryDeviceList {
			return nil, fault.New(fault.KindInvalidArgument, "unknown category %d", uint8(c))
		}
		if seen[c] {
			return nil, fault.New(fault.KindInvalidArgument, "duplicate category %s", c)
		}
		seen[c] = true
	}

	sub := &Subscription{
		hub:      h,
		deviceID: deviceID,
		cats:     cats,
		queue:    newEventQueue(),
	}

	for i, c := range cats {
		if err := h.attach(sub, c); err != nil {
			// Unwind the categories that did register.
			for _, done := range cats[:i] {
				h.detach(sub, done)
			}
			sub.queue.close()
			return nil, err
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

// key maps a subscription's category onto its registration key. System-wide
// categories share one registration across all devices.
func (s *Subscription) key(c Category) regKey {
	if c.EndpointScoped() {
		return regKey{deviceID: s.deviceID, category: c}
	}
	return regKey{deviceID: "", category: c}
}

// attach joins sub to the registration for category c, installing the
// native callback if this is the first subscriber.
func (h *Hub) attach(sub *Subscription, c Category) error {
	key := sub.key(c)
	for {
		h.mu.Lock()
		reg := h.regs[key]

		if reg == nil {
			reg = &registration{
				state:      RegRegistering,
				transition: make(chan struct{}),
			}
			h.regs[key] = reg
			h.mu.Unlock()

			uninstall, err := h.installer(key.deviceID, c)

			h.mu.Lock()
			if err != nil {
				reg.state = RegUnregistered
				reg.installErr = err
				delete(h.regs, key)
				close(reg.transition)
				h.mu.Unlock()
				// Keep classified failures (device_not_found and friends)
				// as they are; only unclassified ones become registration
				// errors.
				if fault.KindOf(err) != fault.KindUnknown {
					return err
				}
				return fault.Wrap(fault.KindCallbackRegistration, err, "installing %s callback", c)
			}
			reg.state = RegActive
			reg.uninstall = uninstall
			reg.refs = 1
			reg.subs = append(reg.subs, sub)
			close(reg.transition)
			h.mu.Unlock()

			h.logger.Debug("Callback registered",
				slog.String("category", c.String()),
				slog.String("device_id", key.deviceID))
			return nil
		}

		switch reg.state {
		case RegActive:
			reg.refs++
			reg.subs = append(reg.subs, sub)
			h.mu.Unlock()
			return nil
		case RegRegistering, RegCancelling:
			// Another subscriber is mid-transition. Wait for it to settle
			// and look again.
			wait := reg.transition
			h.mu.Unlock()
			<-wait
		default:
			h.mu.Unlock()
			return fault.New(fault.KindCallbackRegistration, "registration for %s in state %s", c, reg.state)
		}
	}
}

// detach removes sub from the registration for category c, uninstalling
// the native callback when the last subscriber leaves.
func (h *Hub) detach(sub *Subscription, c Category) {
	key := sub.key(c)

	h.mu.Lock()
	reg := h.regs[key]
	if reg == nil || reg.state != RegActive {
		h.mu.Unlock()
		return
	}
	for i, s := range reg.subs {
		if s == sub {
			reg.subs = append(reg.subs[:i], reg.subs[i+1:]...)
			reg.refs--
			break
		}
	}
	if reg.refs > 0 {
		h.mu.Unlock()
		return
	}

	reg.state = RegCancelling
	reg.transition = make(chan struct{})
	uninstall := reg.uninstall
	h.mu.Unlock()

	if uninstall != nil {
		if err := uninstall(); err != nil {
			h.logger.Warn("Callback uninstall failed",
				slog.String("category", c.String()),
				slog.String("device_id", key.deviceID),
				slog.String("error", err.Error()))
		}
	}

	h.mu.Lock()
	reg.state = RegUnregistered
	delete(h.regs, key)
	close(reg.transition)
	h.mu.Unlock()

	h.logger.Debug("Callback unregistered",
		slog.String("category", c.String()),
		slog.String("device_id", key.deviceID))
}

// Publish fans an event out to every subscriber of its registration, in a
// single critical section so all subscribers observe the same event order.
// Events with no active registration are discarded.
func (h *Hub) Publish(c Category, deviceID string, value any) {
	key := regKey{category: c}
	if c.EndpointScoped() {
		key.deviceID = deviceID
	}

	ev := Event{Category: c, DeviceID: deviceID, Value: value}

	h.mu.Lock()
	reg := h.regs[key]
	if reg == nil || reg.state != RegActive {
		h.mu.Unlock()
		if h.OnDiscarded != nil {
			h.OnDiscarded(c)
		}
		return
	}
	delivered := 0
	for _, sub := range reg.subs {
		if sub.queue.push(ev) {
			delivered++
		}
	}
	h.mu.Unlock()

	if h.OnDelivered != nil {
		for i := 0; i < delivered; i++ {
			h.OnDelivered(c)
		}
	}
	if delivered == 0 && h.OnDiscarded != nil {
		h.OnDiscarded(c)
	}
}

// ActiveSubscriptions reports live subscriptions, for diagnostics.
func (h *Hub) ActiveSubscriptions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Registrations reports installed native callbacks, for diagnostics.
func (h *Hub) Registrations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regs)
}

// Close cancels every live subscription. Used at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Next blocks until an event is available, the context is cancelled, or
// the subscription is cancelled and drained. Events arrive in callback
// firing order.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	return s.queue.pop(ctx)
}

// Categories returns the categories this subscription was created with.
func (s *Subscription) Categories() []Category {
	out := make([]Category, len(s.cats))
	copy(out, s.cats)
	return out
}

// DeviceID returns the endpoint this subscription is scoped to, empty for
// purely system-wide subscriptions.
func (s *Subscription) DeviceID() string {
	return s.deviceID
}

// Pending reports buffered, undelivered events.
func (s *Subscription) Pending() int {
	return s.queue.depth()
}

// Cancel detaches the subscription from its registrations and closes the
// queue. Events already buffered are still delivered by Next; the native
// callbacks are uninstalled when no other subscriber shares them. Safe to
// call more than once.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		for i := len(s.cats) - 1; i >= 0; i-- {
			s.hub.detach(s, s.cats[i])
		}
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		s.queue.close()
	})
}
