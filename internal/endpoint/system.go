package endpoint

// System is the native device-enumeration backend. Every method must be
// called on the apartment thread; implementations own the underlying COM
// objects and never hand out raw pointers.
type System interface {
	// Open prepares the backend on the apartment thread (COM apartment
	// initialization and enumerator creation on Windows).
	Open() error

	// Close releases the backend. Called on the apartment thread during
	// teardown, after every control opened from this system has been
	// released.
	Close()

	// ListEndpoints returns all endpoints matching the flow and state
	// mask, in platform enumeration order.
	ListEndpoints(flow Flow, mask StateMask) ([]Descriptor, error)

	// DefaultEndpoint resolves the device ID of the current default
	// endpoint for a flow/role pair. Fails with a no_device error when
	// none exists.
	DefaultEndpoint(flow Flow, role Role) (string, error)

	// OpenControl activates the volume/mute control for a device ID.
	// Fails with device_not_found when the ID no longer resolves.
	OpenControl(deviceID string) (Control, error)

	// RegisterDeviceCallback installs the system-wide device notification
	// callback. The returned function unregisters it. The backend keeps a
	// single native callback object alive across nested registrations.
	RegisterDeviceCallback(cb DeviceCallback) (func() error, error)
}

// Control is the volume/mute interface of one endpoint. Apartment-thread
// only, like System.
type Control interface {
	// DeviceID returns the stable device ID this control was opened for.
	DeviceID() string

	// Volume returns the master volume scalar in [0, 1].
	Volume() (float32, error)

	// SetVolume sets the master volume scalar. The level is validated by
	// the caller; implementations surface device_gone when the endpoint
	// was removed since the control was opened.
	SetVolume(level float32) error

	// Mute returns the mute flag.
	Mute() (bool, error)

	// SetMute sets the mute flag without touching the volume scalar.
	SetMute(muted bool) error

	// Step applies the platform's stepped increment or decrement,
	// honoring device-reported step granularity.
	Step(dir StepDirection) error

	// StepInfo reports the current step index and the hardware-defined
	// step count.
	StepInfo() (step, stepCount uint32, err error)

	// RegisterVolumeCallback installs handlers for native change
	// notifications. A single native callback object is shared by all
	// registrations on this control; the returned function removes this
	// registration and drops the native object with the last one.
	RegisterVolumeCallback(h VolumeHandler) (func() error, error)

	// Release frees the native interfaces. Called on the apartment thread.
	Release()
}

// VolumeHandler receives change notifications split by category. Handlers
// fire on the apartment thread, once per actual change, in firing order;
// nil handlers are skipped.
type VolumeHandler struct {
	OnVolume func(level float32)
	OnMute   func(muted bool)
}

// DeviceCallback receives system-wide device notifications. Handlers fire
// on the apartment thread; nil handlers are skipped.
type DeviceCallback struct {
	OnDefaultChanged func(flow Flow, role Role, deviceID string)
	OnAdded          func(deviceID string)
	OnRemoved        func(deviceID string)
	OnStateChanged   func(deviceID string, state State)
}
