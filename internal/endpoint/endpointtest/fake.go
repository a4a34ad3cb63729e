// Package endpointtest provides an in-memory System backend so the bridge,
// notification and server packages can be exercised on any platform,
// including hot-plug and device-removal scenarios.
package endpointtest

import (
	"fmt"
	"sync"

	"github.com/ashb/windows-audio-events/internal/endpoint"
	"github.com/ashb/windows-audio-events/internal/fault"
)

// FakeSystem is an in-memory endpoint.System. All methods are safe for
// concurrent use so tests can mutate the device topology while the bridge
// is running operations.
type FakeSystem struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	devices   map[string]*FakeDevice
	order     []string
	defaults  map[defaultKey]string
	deviceCBs map[int]endpoint.DeviceCallback
	nextCB    int

	// FailRegistrations makes every callback registration fail, to test
	// the callback_registration error path.
	FailRegistrations bool

	// Quantize, when set, is applied to every volume level the backend
	// stores, simulating hardware quantization.
	Quantize func(float32) float32

	// OpenCount counts Open calls, CloseCount counts Close calls.
	OpenCount  int
	CloseCount int
}

type defaultKey struct {
	flow endpoint.Flow
	role endpoint.Role
}

// FakeDevice is one simulated endpoint.
type FakeDevice struct {
	sys *FakeSystem

	ID    string
	Name  string
	Flow  endpoint.Flow
	State endpoint.State

	level     float32
	muted     bool
	stepCount uint32
	removed   bool

	handlers    map[int]endpoint.VolumeHandler
	nextHandler int
}

// NewFakeSystem creates an empty fake backend.
func NewFakeSystem() *FakeSystem {
	return &FakeSystem{
		devices:   make(map[string]*FakeDevice),
		defaults:  make(map[defaultKey]string),
		deviceCBs: make(map[int]endpoint.DeviceCallback),
	}
}

// AddDevice registers a simulated device and notifies device-list
// subscribers. stepCount defaults to 10 when zero.
func (s *FakeSystem) AddDevice(id, name string, flow endpoint.Flow, state endpoint.State) *FakeDevice {
	s.mu.Lock()
	d := &FakeDevice{
		sys:       s,
		ID:        id,
		Name:      name,
		Flow:      flow,
		State:     state,
		stepCount: 10,
		handlers:  make(map[int]endpoint.VolumeHandler),
	}
	s.devices[id] = d
	s.order = append(s.order, id)
	cbs := s.callbackSnapshot()
	s.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnAdded != nil {
			cb.OnAdded(id)
		}
	}
	return d
}

// RemoveDevice simulates hot-unplug: every open control starts failing
// with device_gone and device-list subscribers are notified.
func (s *FakeSystem) RemoveDevice(id string) {
	s.mu.Lock()
	d, ok := s.devices[id]
	if !ok || d.removed {
		s.mu.Unlock()
		return
	}
	d.removed = true
	for k, def := range s.defaults {
		if def == id {
			delete(s.defaults, k)
		}
	}
	cbs := s.callbackSnapshot()
	s.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnRemoved != nil {
			cb.OnRemoved(id)
		}
	}
}

// SetDefault marks a device as the default for a flow/role pair and
// notifies default-device subscribers.
func (s *FakeSystem) SetDefault(flow endpoint.Flow, role endpoint.Role, id string) {
	s.mu.Lock()
	s.defaults[defaultKey{flow, role}] = id
	cbs := s.callbackSnapshot()
	s.mu.Unlock()

	for _, cb := range cbs {
		if cb.OnDefaultChanged != nil {
			cb.OnDefaultChanged(flow, role, id)
		}
	}
}

// Device returns a simulated device for direct state inspection.
func (s *FakeSystem) Device(id string) *FakeDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[id]
}

// callbackSnapshot must be called with mu held.
func (s *FakeSystem) callbackSnapshot() []endpoint.DeviceCallback {
	out := make([]endpoint.DeviceCallback, 0, len(s.deviceCBs))
	for _, cb := range s.deviceCBs {
		out = append(out, cb)
	}
	return out
}

// Open implements endpoint.System.
func (s *FakeSystem) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	s.OpenCount++
	return nil
}

// Close implements endpoint.System.
func (s *FakeSystem) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.CloseCount++
}

// ListEndpoints implements endpoint.System.
func (s *FakeSystem) ListEndpoints(flow endpoint.Flow, mask endpoint.StateMask) ([]endpoint.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []endpoint.Descriptor
	for _, id := range s.order {
		d := s.devices[id]
		if d.removed || d.Flow != flow || !mask.Has(d.State) {
			continue
		}
		out = append(out, endpoint.Descriptor{
			DeviceID:     d.ID,
			FriendlyName: d.Name,
			Flow:         d.Flow,
			State:        d.State,
		})
	}
	return out, nil
}

// DefaultEndpoint implements endpoint.System.
func (s *FakeSystem) DefaultEndpoint(flow endpoint.Flow, role endpoint.Role) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.defaults[defaultKey{flow, role}]
	if !ok {
		return "", fault.New(fault.KindNoDevice, "no default %s endpoint for role %s", flow, role)
	}
	return id, nil
}

// OpenControl implements endpoint.System.
func (s *FakeSystem) OpenControl(deviceID string) (endpoint.Control, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok || d.removed {
		return nil, fault.New(fault.KindDeviceNotFound, "device %q does not exist", deviceID)
	}
	return &fakeControl{dev: d}, nil
}

// RegisterDeviceCallback implements endpoint.System.
func (s *FakeSystem) RegisterDeviceCallback(cb endpoint.DeviceCallback) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRegistrations {
		return nil, fault.New(fault.KindCallbackRegistration, "device notification registration rejected")
	}

	id := s.nextCB
	s.nextCB++
	s.deviceCBs[id] = cb

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.deviceCBs, id)
		return nil
	}, nil
}

// DeviceCallbackCount reports active device-callback registrations, used
// to assert refcounted install/uninstall behavior.
func (s *FakeSystem) DeviceCallbackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deviceCBs)
}

// SetVolumeExternal simulates a volume change made by another application,
// firing registered change handlers.
func (s *FakeSystem) SetVolumeExternal(id string, level float32) {
	s.mu.Lock()
	d, ok := s.devices[id]
	s.mu.Unlock()
	if ok {
		d.setLevel(level)
	}
}

// SetMuteExternal simulates a mute change made by another application.
func (s *FakeSystem) SetMuteExternal(id string, muted bool) {
	s.mu.Lock()
	d, ok := s.devices[id]
	s.mu.Unlock()
	if ok {
		d.setMuted(muted)
	}
}

// VolumeHandlerCount reports active volume-handler registrations on a
// device.
func (d *FakeDevice) VolumeHandlerCount() int {
	d.sys.mu.Lock()
	defer d.sys.mu.Unlock()
	return len(d.handlers)
}

// Level returns the stored volume scalar.
func (d *FakeDevice) Level() float32 {
	d.sys.mu.Lock()
	defer d.sys.mu.Unlock()
	return d.level
}

// setLevel stores a level (after quantization) and fires volume handlers
// if the value actually changed.
func (d *FakeDevice) setLevel(level float32) {
	d.sys.mu.Lock()
	if d.sys.Quantize != nil {
		level = d.sys.Quantize(level)
	}
	changed := level != d.level
	d.level = level
	handlers := d.handlerSnapshot()
	d.sys.mu.Unlock()

	if !changed {
		return
	}
	for _, h := range handlers {
		if h.OnVolume != nil {
			h.OnVolume(level)
		}
	}
}

func (d *FakeDevice) setMuted(muted bool) {
	d.sys.mu.Lock()
	changed := muted != d.muted
	d.muted = muted
	handlers := d.handlerSnapshot()
	d.sys.mu.Unlock()

	if !changed {
		return
	}
	for _, h := range handlers {
		if h.OnMute != nil {
			h.OnMute(muted)
		}
	}
}

// handlerSnapshot must be called with sys.mu held.
func (d *FakeDevice) handlerSnapshot() []endpoint.VolumeHandler {
	out := make([]endpoint.VolumeHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h)
	}
	return out
}

// fakeControl implements endpoint.Control over a FakeDevice.
type fakeControl struct {
	dev      *FakeDevice
	released bool
}

func (c *fakeControl) DeviceID() string {
	return c.dev.ID
}

func (c *fakeControl) gone() error {
	c.dev.sys.mu.Lock()
	defer c.dev.sys.mu.Unlock()
	if c.dev.removed {
		return fault.New(fault.KindDeviceGone, "device %q was removed", c.dev.ID)
	}
	return nil
}

func (c *fakeControl) Volume() (float32, error) {
	if err := c.gone(); err != nil {
		return 0, err
	}
	return c.dev.Level(), nil
}

func (c *fakeControl) SetVolume(level float32) error {
	if err := c.gone(); err != nil {
		return err
	}
	c.dev.setLevel(level)
	return nil
}

func (c *fakeControl) Mute() (bool, error) {
	if err := c.gone(); err != nil {
		return false, err
	}
	c.dev.sys.mu.Lock()
	defer c.dev.sys.mu.Unlock()
	return c.dev.muted, nil
}

func (c *fakeControl) SetMute(muted bool) error {
	if err := c.gone(); err != nil {
		return err
	}
	c.dev.setMuted(muted)
	return nil
}

func (c *fakeControl) Step(dir endpoint.StepDirection) error {
	if err := c.gone(); err != nil {
		return err
	}
	c.dev.sys.mu.Lock()
	count := c.dev.stepCount
	level := c.dev.level
	c.dev.sys.mu.Unlock()

	delta := float32(1) / float32(count)
	if dir == endpoint.StepDown {
		delta = -delta
	}
	level += delta
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	c.dev.setLevel(level)
	return nil
}

func (c *fakeControl) StepInfo() (uint32, uint32, error) {
	if err := c.gone(); err != nil {
		return 0, 0, err
	}
	c.dev.sys.mu.Lock()
	defer c.dev.sys.mu.Unlock()
	step := uint32(c.dev.level*float32(c.dev.stepCount) + 0.5)
	return step, c.dev.stepCount, nil
}

func (c *fakeControl) RegisterVolumeCallback(h endpoint.VolumeHandler) (func() error, error) {
	c.dev.sys.mu.Lock()
	defer c.dev.sys.mu.Unlock()

	if c.dev.sys.FailRegistrations {
		return nil, fault.New(fault.KindCallbackRegistration, "volume notification registration rejected for %q", c.dev.ID)
	}
	if c.dev.removed {
		return nil, fault.New(fault.KindCallbackRegistration, "device %q removed mid-registration", c.dev.ID)
	}

	id := c.dev.nextHandler
	c.dev.nextHandler++
	c.dev.handlers[id] = h

	return func() error {
		c.dev.sys.mu.Lock()
		defer c.dev.sys.mu.Unlock()
		delete(c.dev.handlers, id)
		return nil
	}, nil
}

func (c *fakeControl) Release() {
	c.released = true
}

// String helps debugging test failures.
func (d *FakeDevice) String() string {
	return fmt.Sprintf("FakeDevice{%s level=%v muted=%v}", d.ID, d.level, d.muted)
}
