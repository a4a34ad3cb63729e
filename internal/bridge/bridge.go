package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashb/windows-audio-events/internal/apartment"
	"github.com/ashb/windows-audio-events/internal/endpoint"
	"github.com/ashb/windows-audio-events/internal/fault"
	"github.com/ashb/windows-audio-events/internal/metrics"
	"github.com/ashb/windows-audio-events/internal/notify"
)

// Options configures the bridge.
type Options struct {
	// QueueSize bounds the apartment task buffer.
	QueueSize int

	// OperationTimeout, when nonzero, caps how long a caller waits for an
	// operation before abandoning it. The task itself still runs.
	OperationTimeout time.Duration
}

// VolumeInfo is the combined volume state of one endpoint, read in a
// single apartment round trip.
type VolumeInfo struct {
	Level     float32 `json:"level"`
	Muted     bool    `json:"muted"`
	Step      uint32  `json:"step"`
	StepCount uint32  `json:"step_count"`
}

// Stats is a point-in-time snapshot of bridge internals.
type Stats struct {
	PendingOperations   int   `json:"pending_operations"`
	AbandonedOperations int64 `json:"abandoned_operations"`
	OpenControls        int   `json:"open_controls"`
	ActiveSubscriptions int   `json:"active_subscriptions"`
}

// Bridge owns the apartment thread, the handle table and the notification
// hub. All methods are safe for concurrent use from any goroutine.
type Bridge struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sys     endpoint.System

	apt   *apartment.Thread
	table *endpoint.Table
	hub   *notify.Hub

	opTimeout   time.Duration
	abandoned   atomic.Int64
	unregDevice func() error
}

// New starts the apartment thread, opens the native backend on it and
// installs the device-removal watcher that invalidates handles.
func New(logger *slog.Logger, m *metrics.Metrics, sys endpoint.System, opts Options) (*Bridge, error) {
	b := &Bridge{
		logger:    logger.With(slog.String("component", "bridge")),
		metrics:   m,
		sys:       sys,
		table:     endpoint.NewTable(),
		opTimeout: opts.OperationTimeout,
	}

	b.hub = notify.NewHub(logger, b.installCallback)
	b.hub.OnDelivered = func(c notify.Category) { m.RecordEventDelivered(c.String()) }
	b.hub.OnDiscarded = func(c notify.Category) { m.RecordEventDiscarded(c.String()) }

	apt, err := apartment.Start(logger, apartment.Options{
		QueueSize: opts.QueueSize,
		Init:      sys.Open,
		Teardown:  sys.Close,
	})
	if err != nil {
		return nil, err
	}
	b.apt = apt

	// Handle invalidation on hot-unplug is not optional, so the bridge
	// keeps its own device callback independent of any subscription.
	_, err = apt.Do(context.Background(), func() (any, error) {
		apt.Defer(b.table.ReleaseAll)
		unreg, err := sys.RegisterDeviceCallback(endpoint.DeviceCallback{
			OnRemoved: b.onDeviceRemoved,
		})
		if err != nil {
			return nil, err
		}
		b.unregDevice = unreg
		return nil, nil
	})
	if err != nil {
		apt.Stop()
		return nil, fault.Wrap(fault.KindCallbackRegistration, err, "installing device watcher")
	}

	return b, nil
}

// onDeviceRemoved fires on the apartment thread when an endpoint is
// hot-unplugged. Every handle for it flips to device_gone.
func (b *Bridge) onDeviceRemoved(deviceID string) {
	if n := b.table.Invalidate(deviceID); n > 0 {
		b.metrics.RecordControlsDropped(n)
		b.logger.Info("Device removed, handles invalidated",
			slog.String("device_id", deviceID),
			slog.Int("handles", n),
		)
	}
}

// do marshals one operation onto the apartment thread and accounts for it.
func (b *Bridge) do(ctx context.Context, op string, task apartment.Task) (any, error) {
	b.metrics.RecordOperationSubmitted(op)

	if b.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opTimeout)
		defer cancel()
	}

	start := time.Now()
	fut := b.apt.Submit(task)
	b.metrics.SetQueueDepth(b.apt.Pending())

	v, err := fut.Wait(ctx)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Abandoned: the task still runs on the apartment thread, only
			// the caller stops waiting.
			b.abandoned.Add(1)
			b.metrics.RecordOperationCompleted(op, "abandoned", elapsed)
			return nil, err
		}
		err = fault.Normalize(err)
		b.metrics.RecordOperationCompleted(op, fault.KindOf(err).String(), elapsed)
		return nil, err
	}

	b.metrics.RecordOperationCompleted(op, "ok", elapsed)
	return v, nil
}

// ListEndpoints enumerates endpoints for a flow, filtered by state mask.
func (b *Bridge) ListEndpoints(ctx context.Context, flow endpoint.Flow, mask endpoint.StateMask) ([]endpoint.Descriptor, error) {
	v, err := b.do(ctx, "list_endpoints", func() (any, error) {
		return b.sys.ListEndpoints(flow, mask)
	})
	if err != nil {
		return nil, err
	}
	return v.([]endpoint.Descriptor), nil
}

// DefaultEndpoint resolves the current default device ID for a flow/role
// pair. Fails with no_device when the system has none.
func (b *Bridge) DefaultEndpoint(ctx context.Context, flow endpoint.Flow, role endpoint.Role) (string, error) {
	v, err := b.do(ctx, "default_endpoint", func() (any, error) {
		return b.sys.DefaultEndpoint(flow, role)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Open activates the volume control of a device and returns an opaque
// handle for it. Each Open gets its own handle.
func (b *Bridge) Open(ctx context.Context, deviceID string) (endpoint.Handle, error) {
	v, err := b.do(ctx, "open_control", func() (any, error) {
		ctrl, err := b.sys.OpenControl(deviceID)
		if err != nil {
			return nil, err
		}
		return b.table.Add(ctrl), nil
	})
	if err != nil {
		return 0, err
	}
	b.metrics.RecordControlOpened()
	return v.(endpoint.Handle), nil
}

// OpenDefault opens a control for the current default endpoint of a
// flow/role pair.
func (b *Bridge) OpenDefault(ctx context.Context, flow endpoint.Flow, role endpoint.Role) (endpoint.Handle, error) {
	v, err := b.do(ctx, "open_default", func() (any, error) {
		deviceID, err := b.sys.DefaultEndpoint(flow, role)
		if err != nil {
			return nil, err
		}
		ctrl, err := b.sys.OpenControl(deviceID)
		if err != nil {
			return nil, err
		}
		return b.table.Add(ctrl), nil
	})
	if err != nil {
		return 0, err
	}
	b.metrics.RecordControlOpened()
	return v.(endpoint.Handle), nil
}

// Release closes a handle, releasing its native control on the apartment
// thread. The handle is invalid afterwards.
func (b *Bridge) Release(ctx context.Context, h endpoint.Handle) error {
	_, err := b.do(ctx, "release_control", func() (any, error) {
		return nil, b.table.Remove(h)
	})
	if err != nil {
		return err
	}
	b.metrics.RecordControlReleased()
	return nil
}

// DeviceID resolves the stable device ID behind a handle without touching
// the apartment thread. Valid even after the device is gone.
func (b *Bridge) DeviceID(h endpoint.Handle) (string, error) {
	return b.table.DeviceID(h)
}

// Volume reads the master volume scalar of a handle.
func (b *Bridge) Volume(ctx context.Context, h endpoint.Handle) (float32, error) {
	v, err := b.do(ctx, "get_volume", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		return ctrl.Volume()
	})
	if err != nil {
		return 0, err
	}
	return v.(float32), nil
}

// SetVolume writes the master volume scalar of a handle. The level is
// validated before anything is enqueued.
func (b *Bridge) SetVolume(ctx context.Context, h endpoint.Handle, level float32) error {
	if err := endpoint.ValidateLevel(level); err != nil {
		return err
	}
	_, err := b.do(ctx, "set_volume", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		return nil, ctrl.SetVolume(level)
	})
	return err
}

// Mute reads the mute flag of a handle.
func (b *Bridge) Mute(ctx context.Context, h endpoint.Handle) (bool, error) {
	v, err := b.do(ctx, "get_mute", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		return ctrl.Mute()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// SetMute writes the mute flag of a handle. The volume scalar is untouched,
// so unmuting restores the previous level.
func (b *Bridge) SetMute(ctx context.Context, h endpoint.Handle, muted bool) error {
	_, err := b.do(ctx, "set_mute", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		return nil, ctrl.SetMute(muted)
	})
	return err
}

// StepVolume moves the volume one device-defined step up or down and
// returns the resulting state.
func (b *Bridge) StepVolume(ctx context.Context, h endpoint.Handle, dir endpoint.StepDirection) (VolumeInfo, error) {
	v, err := b.do(ctx, "step_volume", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		if err := ctrl.Step(dir); err != nil {
			return nil, err
		}
		return readVolumeInfo(ctrl)
	})
	if err != nil {
		return VolumeInfo{}, err
	}
	return v.(VolumeInfo), nil
}

// VolumeInfo reads level, mute and step state in one apartment round trip.
func (b *Bridge) VolumeInfo(ctx context.Context, h endpoint.Handle) (VolumeInfo, error) {
	v, err := b.do(ctx, "volume_info", func() (any, error) {
		ctrl, err := b.table.Control(h)
		if err != nil {
			return nil, err
		}
		return readVolumeInfo(ctrl)
	})
	if err != nil {
		return VolumeInfo{}, err
	}
	return v.(VolumeInfo), nil
}

// readVolumeInfo runs on the apartment thread.
func readVolumeInfo(ctrl endpoint.Control) (VolumeInfo, error) {
	level, err := ctrl.Volume()
	if err != nil {
		return VolumeInfo{}, err
	}
	muted, err := ctrl.Mute()
	if err != nil {
		return VolumeInfo{}, err
	}
	step, count, err := ctrl.StepInfo()
	if err != nil {
		return VolumeInfo{}, err
	}
	return VolumeInfo{Level: level, Muted: muted, Step: step, StepCount: count}, nil
}

// Subscribe creates an event subscription. Endpoint-scoped categories
// (volume, mute) attach to deviceID; system-wide categories accept an
// empty one. Native callbacks are installed before Subscribe returns.
func (b *Bridge) Subscribe(deviceID string, cats []notify.Category) (*notify.Subscription, error) {
	sub, err := b.hub.Subscribe(deviceID, cats)
	if err != nil {
		return nil, err
	}
	b.metrics.SetActiveSubscriptions(b.hub.ActiveSubscriptions())
	return sub, nil
}

// Unsubscribe cancels a subscription. Buffered events remain readable
// until drained.
func (b *Bridge) Unsubscribe(sub *notify.Subscription) {
	sub.Cancel()
	b.metrics.SetActiveSubscriptions(b.hub.ActiveSubscriptions())
}

// installCallback is the hub's installer. It marshals native callback
// registration onto the apartment thread; the handlers it installs fire on
// the apartment thread and only push immutable values into the hub.
func (b *Bridge) installCallback(deviceID string, cat notify.Category) (func() error, error) {
	switch cat {
	case notify.CategoryVolume, notify.CategoryMute:
		return b.installVolumeCallback(deviceID, cat)
	case notify.CategoryDefaultDevice, notify.CategoryDeviceList:
		return b.installDeviceCallback(cat)
	default:
		return nil, fault.New(fault.KindInvalidArgument, "unknown category %d", uint8(cat))
	}
}

func (b *Bridge) installVolumeCallback(deviceID string, cat notify.Category) (func() error, error) {
	handler := endpoint.VolumeHandler{}
	switch cat {
	case notify.CategoryVolume:
		handler.OnVolume = func(level float32) {
			b.hub.Publish(notify.CategoryVolume, deviceID, level)
		}
	case notify.CategoryMute:
		handler.OnMute = func(muted bool) {
			b.hub.Publish(notify.CategoryMute, deviceID, muted)
		}
	}

	// The registration owns a dedicated control so its lifetime is not
	// entangled with any caller-held handle.
	v, err := b.apt.Do(context.Background(), func() (any, error) {
		ctrl, err := b.sys.OpenControl(deviceID)
		if err != nil {
			return nil, err
		}
		unreg, err := ctrl.RegisterVolumeCallback(handler)
		if err != nil {
			ctrl.Release()
			return nil, err
		}
		return func() error {
			_, err := b.apt.Do(context.Background(), func() (any, error) {
				defer ctrl.Release()
				return nil, unreg()
			})
			return err
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordCallbackRegistration()
	return v.(func() error), nil
}

func (b *Bridge) installDeviceCallback(cat notify.Category) (func() error, error) {
	cb := endpoint.DeviceCallback{}
	switch cat {
	case notify.CategoryDefaultDevice:
		cb.OnDefaultChanged = func(flow endpoint.Flow, role endpoint.Role, deviceID string) {
			b.hub.Publish(notify.CategoryDefaultDevice, deviceID, notify.DefaultDeviceChange{
				Flow:     flow,
				Role:     role,
				DeviceID: deviceID,
			})
		}
	case notify.CategoryDeviceList:
		cb.OnAdded = func(deviceID string) {
			b.hub.Publish(notify.CategoryDeviceList, deviceID, notify.DeviceListChange{
				Change:   "added",
				DeviceID: deviceID,
			})
		}
		cb.OnRemoved = func(deviceID string) {
			b.hub.Publish(notify.CategoryDeviceList, deviceID, notify.DeviceListChange{
				Change:   "removed",
				DeviceID: deviceID,
			})
		}
		cb.OnStateChanged = func(deviceID string, state endpoint.State) {
			b.hub.Publish(notify.CategoryDeviceList, deviceID, notify.DeviceListChange{
				Change:   "state_changed",
				DeviceID: deviceID,
				State:    state,
			})
		}
	}

	v, err := b.apt.Do(context.Background(), func() (any, error) {
		unreg, err := b.sys.RegisterDeviceCallback(cb)
		if err != nil {
			return nil, err
		}
		return func() error {
			_, err := b.apt.Do(context.Background(), func() (any, error) {
				return nil, unreg()
			})
			return err
		}, nil
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordCallbackRegistration()
	return v.(func() error), nil
}

// Stats snapshots bridge internals for the stats endpoint and the final
// shutdown log line.
func (b *Bridge) Stats() Stats {
	return Stats{
		PendingOperations:   b.apt.Pending(),
		AbandonedOperations: b.abandoned.Load(),
		OpenControls:        b.table.Len(),
		ActiveSubscriptions: b.hub.ActiveSubscriptions(),
	}
}

// Close cancels every subscription, removes the device watcher, drains the
// apartment queue and tears the backend down. Operations submitted after
// Close fail with apartment_unavailable.
func (b *Bridge) Close() {
	// Subscriptions first: their uninstall tasks need a live apartment.
	b.hub.Close()
	b.metrics.SetActiveSubscriptions(0)

	if b.unregDevice != nil {
		_, _ = b.apt.Do(context.Background(), func() (any, error) {
			return nil, b.unregDevice()
		})
	}

	b.apt.Stop()

	stats := b.Stats()
	b.logger.Info("Bridge closed",
		slog.Int64("abandoned_operations", stats.AbandonedOperations),
	)
}
