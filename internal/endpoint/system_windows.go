//go:build windows

package endpoint

import (
	"log/slog"
	"sync"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// NewSystem returns the Core Audio backend. All methods must run on the
// apartment thread; Open initializes the COM apartment there.
func NewSystem(logger *slog.Logger) System {
	return &winSystem{
		logger:    logger,
		deviceCBs: make(map[int]DeviceCallback),
	}
}

type winSystem struct {
	logger   *slog.Logger
	mmde     *wca.IMMDeviceEnumerator
	comReady bool

	// Device notification fan-out. A single IMMNotificationClient is
	// registered with the platform and shared by every logical
	// registration; cbMu guards the map because notifications arrive on
	// the audio service's own thread.
	cbMu         sync.Mutex
	deviceCBs    map[int]DeviceCallback
	nextCB       int
	notifyClient *wca.IMMNotificationClient
}

func (s *winSystem) Open() error {
	if err := ole.CoInitializeEx(0, ole.COINIT_APARTMENTTHREADED); err != nil {
		return comError("CoInitializeEx", err)
	}
	s.comReady = true

	if err := wca.CoCreateInstance(wca.CLSID_MMDeviceEnumerator, 0, wca.CLSCTX_ALL, wca.IID_IMMDeviceEnumerator, &s.mmde); err != nil {
		ole.CoUninitialize()
		s.comReady = false
		return comError("CoCreateInstance(MMDeviceEnumerator)", err)
	}
	return nil
}

func (s *winSystem) Close() {
	s.cbMu.Lock()
	if s.notifyClient != nil && s.mmde != nil {
		if err := s.mmde.UnregisterEndpointNotificationCallback(s.notifyClient); err != nil {
			s.logger.Warn("Failed to unregister device notification callback",
				slog.String("error", err.Error()),
			)
		}
		s.notifyClient = nil
	}
	s.deviceCBs = make(map[int]DeviceCallback)
	s.cbMu.Unlock()

	if s.mmde != nil {
		s.mmde.Release()
		s.mmde = nil
	}
	if s.comReady {
		ole.CoUninitialize()
		s.comReady = false
	}
}

func (s *winSystem) ListEndpoints(flow Flow, mask StateMask) ([]Descriptor, error) {
	var dc *wca.IMMDeviceCollection
	if err := s.mmde.EnumAudioEndpoints(flowToNative(flow), uint32(mask), &dc); err != nil {
		return nil, comError("EnumAudioEndpoints", err)
	}
	defer dc.Release()

	var count uint32
	if err := dc.GetCount(&count); err != nil {
		return nil, comError("IMMDeviceCollection.GetCount", err)
	}

	descriptors := make([]Descriptor, 0, count)
	for i := uint32(0); i < count; i++ {
		var mmd *wca.IMMDevice
		if err := dc.Item(i, &mmd); err != nil {
			// The topology can change mid-enumeration; skip the slot
			// rather than failing the whole listing.
			s.logger.Warn("Device vanished during enumeration",
				slog.Int("index", int(i)),
				slog.String("error", err.Error()),
			)
			continue
		}
		d, err := s.describe(mmd, flow)
		mmd.Release()
		if err != nil {
			s.logger.Warn("Failed to describe device",
				slog.Int("index", int(i)),
				slog.String("error", err.Error()),
			)
			continue
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

// describe builds a Descriptor from a live device, resolving the friendly
// name through the property store.
func (s *winSystem) describe(mmd *wca.IMMDevice, flow Flow) (Descriptor, error) {
	var id string
	if err := mmd.GetId(&id); err != nil {
		return Descriptor{}, comError("IMMDevice.GetId", err)
	}

	var state uint32
	if err := mmd.GetState(&state); err != nil {
		return Descriptor{}, comError("IMMDevice.GetState", err)
	}

	name, err := friendlyName(mmd)
	if err != nil {
		// Property stores of unplugged or disappearing devices can be
		// unreadable; the descriptor is still useful without the name.
		s.logger.Debug("Friendly name unavailable",
			slog.String("device_id", id),
			slog.String("error", err.Error()),
		)
	}

	return Descriptor{
		DeviceID:     id,
		FriendlyName: name,
		Flow:         flow,
		State:        State(state),
	}, nil
}

// friendlyName resolves the human-readable device name from the property
// store, the sole use this module makes of it.
func friendlyName(mmd *wca.IMMDevice) (string, error) {
	var ps *wca.IPropertyStore
	if err := mmd.OpenPropertyStore(wca.STGM_READ, &ps); err != nil {
		return "", comError("OpenPropertyStore", err)
	}
	defer ps.Release()

	var pv wca.PROPVARIANT
	if err := ps.GetValue(&wca.PKEY_Device_FriendlyName, &pv); err != nil {
		return "", comError("IPropertyStore.GetValue(FriendlyName)", err)
	}
	return pv.String(), nil
}

func (s *winSystem) DefaultEndpoint(flow Flow, role Role) (string, error) {
	var mmd *wca.IMMDevice
	if err := s.mmde.GetDefaultAudioEndpoint(flowToNative(flow), roleToNative(role), &mmd); err != nil {
		ferr := comError("GetDefaultAudioEndpoint", err)
		// E_NOTFOUND here means no endpoint exists for the pair at all,
		// not a stale ID.
		if fault.KindOf(ferr) == fault.KindDeviceNotFound {
			return "", fault.New(fault.KindNoDevice, "no default %s endpoint for role %s", flow, role)
		}
		return "", ferr
	}
	defer mmd.Release()

	var id string
	if err := mmd.GetId(&id); err != nil {
		return "", comError("IMMDevice.GetId", err)
	}
	return id, nil
}

func (s *winSystem) OpenControl(deviceID string) (Control, error) {
	mmd, err := getDevice(s.mmde, deviceID)
	if err != nil {
		return nil, comError("IMMDeviceEnumerator.GetDevice", err)
	}

	var aev *wca.IAudioEndpointVolume
	if err := mmd.Activate(wca.IID_IAudioEndpointVolume, wca.CLSCTX_ALL, nil, &aev); err != nil {
		mmd.Release()
		return nil, comError("IMMDevice.Activate(IAudioEndpointVolume)", err)
	}

	return &winControl{
		logger:   s.logger,
		deviceID: deviceID,
		mmd:      mmd,
		aev:      aev,
		handlers: make(map[int]VolumeHandler),
	}, nil
}

func (s *winSystem) RegisterDeviceCallback(cb DeviceCallback) (func() error, error) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	if s.notifyClient == nil {
		client := wca.NewIMMNotificationClient(wca.IMMNotificationClientCallback{
			OnDefaultDeviceChanged: s.onDefaultDeviceChanged,
			OnDeviceAdded:          s.onDeviceAdded,
			OnDeviceRemoved:        s.onDeviceRemoved,
			OnDeviceStateChanged:   s.onDeviceStateChanged,
		})
		if err := s.mmde.RegisterEndpointNotificationCallback(client); err != nil {
			ferr := comError("RegisterEndpointNotificationCallback", err)
			return nil, fault.Wrap(fault.KindCallbackRegistration, ferr, "device notification registration rejected")
		}
		s.notifyClient = client
	}

	id := s.nextCB
	s.nextCB++
	s.deviceCBs[id] = cb

	unregister := func() error {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()

		delete(s.deviceCBs, id)
		if len(s.deviceCBs) > 0 || s.notifyClient == nil {
			return nil
		}
		client := s.notifyClient
		s.notifyClient = nil
		if err := s.mmde.UnregisterEndpointNotificationCallback(client); err != nil {
			return comError("UnregisterEndpointNotificationCallback", err)
		}
		return nil
	}
	return unregister, nil
}

func (s *winSystem) onDefaultDeviceChanged(flow wca.EDataFlow, role wca.ERole, deviceID string) error {
	f := FlowRender
	if uint32(flow) == wca.ECapture {
		f = FlowCapture
	}
	r := RoleConsole
	switch uint32(role) {
	case wca.EMultimedia:
		r = RoleMultimedia
	case wca.ECommunications:
		r = RoleCommunications
	}
	for _, cb := range s.snapshotCallbacks() {
		if cb.OnDefaultChanged != nil {
			cb.OnDefaultChanged(f, r, deviceID)
		}
	}
	return nil
}

func (s *winSystem) onDeviceAdded(deviceID string) error {
	for _, cb := range s.snapshotCallbacks() {
		if cb.OnAdded != nil {
			cb.OnAdded(deviceID)
		}
	}
	return nil
}

func (s *winSystem) onDeviceRemoved(deviceID string) error {
	for _, cb := range s.snapshotCallbacks() {
		if cb.OnRemoved != nil {
			cb.OnRemoved(deviceID)
		}
	}
	return nil
}

func (s *winSystem) onDeviceStateChanged(deviceID string, newState uint64) error {
	for _, cb := range s.snapshotCallbacks() {
		if cb.OnStateChanged != nil {
			cb.OnStateChanged(deviceID, State(newState))
		}
	}
	return nil
}

// snapshotCallbacks copies the registration map so callbacks run without
// holding cbMu.
func (s *winSystem) snapshotCallbacks() []DeviceCallback {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	out := make([]DeviceCallback, 0, len(s.deviceCBs))
	for _, cb := range s.deviceCBs {
		out = append(out, cb)
	}
	return out
}

// winControl wraps one endpoint's IAudioEndpointVolume.
type winControl struct {
	logger   *slog.Logger
	deviceID string
	mmd      *wca.IMMDevice
	aev      *wca.IAudioEndpointVolume

	// Change notifications arrive on the audio service's thread; cbMu
	// guards handler registration against concurrent dispatch.
	cbMu        sync.Mutex
	handlers    map[int]VolumeHandler
	nextHandler int
	native      *volumeCallback
	haveState   bool
	lastLevel   float32
	lastMuted   bool
}

func (c *winControl) DeviceID() string {
	return c.deviceID
}

func (c *winControl) Volume() (float32, error) {
	var v float32
	if err := c.aev.GetMasterVolumeLevelScalar(&v); err != nil {
		return 0, comError("GetMasterVolumeLevelScalar", err)
	}
	return v, nil
}

func (c *winControl) SetVolume(level float32) error {
	if err := c.aev.SetMasterVolumeLevelScalar(level, nil); err != nil {
		return comError("SetMasterVolumeLevelScalar", err)
	}
	return nil
}

func (c *winControl) Mute() (bool, error) {
	var m bool
	if err := c.aev.GetMute(&m); err != nil {
		return false, comError("GetMute", err)
	}
	return m, nil
}

func (c *winControl) SetMute(muted bool) error {
	if err := c.aev.SetMute(muted, nil); err != nil {
		return comError("SetMute", err)
	}
	return nil
}

func (c *winControl) Step(dir StepDirection) error {
	var err error
	if dir == StepUp {
		err = c.aev.VolumeStepUp(nil)
	} else {
		err = c.aev.VolumeStepDown(nil)
	}
	if err != nil {
		return comError("VolumeStep", err)
	}
	return nil
}

func (c *winControl) StepInfo() (uint32, uint32, error) {
	var step, count uint32
	if err := c.aev.GetVolumeStepInfo(&step, &count); err != nil {
		return 0, 0, comError("GetVolumeStepInfo", err)
	}
	return step, count, nil
}

func (c *winControl) RegisterVolumeCallback(h VolumeHandler) (func() error, error) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	if c.native == nil {
		// Seed the last-seen state so only real changes fire handlers.
		if level, err := c.Volume(); err == nil {
			c.lastLevel = level
			if muted, err := c.Mute(); err == nil {
				c.lastMuted = muted
				c.haveState = true
			}
		}

		native := newVolumeCallback(c.dispatch)
		if err := registerControlChangeNotify(c.aev, native); err != nil {
			ferr := comError("RegisterControlChangeNotify", err)
			return nil, fault.Wrap(fault.KindCallbackRegistration, ferr, "volume notification registration rejected for %s", c.deviceID)
		}
		c.native = native
	}

	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h

	unregister := func() error {
		c.cbMu.Lock()
		defer c.cbMu.Unlock()

		delete(c.handlers, id)
		if len(c.handlers) > 0 || c.native == nil {
			return nil
		}
		native := c.native
		c.native = nil
		if err := unregisterControlChangeNotify(c.aev, native); err != nil {
			return comError("UnregisterControlChangeNotify", err)
		}
		return nil
	}
	return unregister, nil
}

// dispatch splits one native notification into per-category handler calls,
// firing only for values that actually changed.
func (c *winControl) dispatch(level float32, muted bool) {
	c.cbMu.Lock()
	volumeChanged := !c.haveState || level != c.lastLevel
	muteChanged := !c.haveState || muted != c.lastMuted
	c.lastLevel = level
	c.lastMuted = muted
	c.haveState = true
	handlers := make([]VolumeHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.cbMu.Unlock()

	for _, h := range handlers {
		if volumeChanged && h.OnVolume != nil {
			h.OnVolume(level)
		}
		if muteChanged && h.OnMute != nil {
			h.OnMute(muted)
		}
	}
}

func (c *winControl) Release() {
	c.cbMu.Lock()
	if c.native != nil {
		if err := unregisterControlChangeNotify(c.aev, c.native); err != nil {
			c.logger.Warn("Failed to unregister volume callback on release",
				slog.String("device_id", c.deviceID),
				slog.String("error", err.Error()),
			)
		}
		c.native = nil
	}
	c.handlers = make(map[int]VolumeHandler)
	c.cbMu.Unlock()

	if c.aev != nil {
		c.aev.Release()
		c.aev = nil
	}
	if c.mmd != nil {
		c.mmd.Release()
		c.mmd = nil
	}
}

// flowToNative converts a Flow to the platform EDataFlow value.
func flowToNative(f Flow) uint32 {
	if f == FlowCapture {
		return wca.ECapture
	}
	return wca.ERender
}

// roleToNative converts a Role to the platform ERole value.
func roleToNative(r Role) uint32 {
	switch r {
	case RoleMultimedia:
		return wca.EMultimedia
	case RoleCommunications:
		return wca.ECommunications
	default:
		return wca.EConsole
	}
}

// getDevice resolves a device ID to a live IMMDevice through the raw
// vtable slot; the wca wrapper for GetDevice is a stub that takes no
// arguments.
func getDevice(mmde *wca.IMMDeviceEnumerator, deviceID string) (*wca.IMMDevice, error) {
	id, err := syscall.UTF16PtrFromString(deviceID)
	if err != nil {
		return nil, err
	}

	var mmd *wca.IMMDevice
	hr, _, _ := syscall.SyscallN(
		mmde.VTable().GetDevice,
		uintptr(unsafe.Pointer(mmde)),
		uintptr(unsafe.Pointer(id)),
		uintptr(unsafe.Pointer(&mmd)),
	)
	if hr != 0 {
		return nil, ole.NewError(hr)
	}
	return mmd, nil
}

// comError converts a failed COM call into a taxonomy error carrying the
// original HRESULT. Raw platform codes never cross further than this.
func comError(op string, err error) error {
	if oleErr, ok := err.(*ole.OleError); ok {
		return fault.FromHRESULT(op, uint32(oleErr.Code()))
	}
	return fault.Wrap(fault.KindPlatform, err, "%s failed", op)
}
