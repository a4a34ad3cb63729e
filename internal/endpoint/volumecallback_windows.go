//go:build windows

package endpoint

import (
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"github.com/moutend/go-wca/pkg/wca"
)

// volumeNotificationData mirrors AUDIO_VOLUME_NOTIFICATION_DATA from
// endpointvolume.h. Only the master volume and mute flag are consumed;
// per-channel volumes are left to the device.
type volumeNotificationData struct {
	EventContext   ole.GUID
	Muted          int32
	MasterVolume   float32
	Channels       uint32
	ChannelVolumes [1]float32
}

var iidIAudioEndpointVolumeCallback = ole.NewGUID("{657804FA-D6AD-4496-8A60-352752AF4F89}")

// volumeCallback is a minimal COM object implementing
// IAudioEndpointVolumeCallback. The vtable is built once with
// syscall.NewCallback and shared by every instance.
type volumeCallback struct {
	lpVtbl *volumeCallbackVtbl
	refs   int32
	notify func(level float32, muted bool)
}

type volumeCallbackVtbl struct {
	queryInterface uintptr
	addRef         uintptr
	release        uintptr
	onNotify       uintptr
}

var (
	volumeCallbackVtblOnce sync.Once
	volumeCallbackVtblInst volumeCallbackVtbl
)

func newVolumeCallback(notify func(level float32, muted bool)) *volumeCallback {
	volumeCallbackVtblOnce.Do(func() {
		volumeCallbackVtblInst = volumeCallbackVtbl{
			queryInterface: syscall.NewCallback(volumeCallbackQueryInterface),
			addRef:         syscall.NewCallback(volumeCallbackAddRef),
			release:        syscall.NewCallback(volumeCallbackRelease),
			onNotify:       syscall.NewCallback(volumeCallbackOnNotify),
		}
	})
	return &volumeCallback{lpVtbl: &volumeCallbackVtblInst, refs: 1, notify: notify}
}

func volumeCallbackQueryInterface(this *volumeCallback, riid *ole.GUID, ppv *unsafe.Pointer) uintptr {
	if ppv == nil {
		return uintptr(ole.E_POINTER)
	}
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) || ole.IsEqualGUID(riid, iidIAudioEndpointVolumeCallback) {
		volumeCallbackAddRef(this)
		*ppv = unsafe.Pointer(this)
		return uintptr(ole.S_OK)
	}
	*ppv = nil
	return uintptr(ole.E_NOINTERFACE)
}

func volumeCallbackAddRef(this *volumeCallback) uintptr {
	return uintptr(atomic.AddInt32(&this.refs, 1))
}

func volumeCallbackRelease(this *volumeCallback) uintptr {
	// The object is Go-managed; the refcount only satisfies the COM
	// contract, the GC owns the memory.
	n := atomic.AddInt32(&this.refs, -1)
	if n < 0 {
		n = 0
	}
	return uintptr(n)
}

func volumeCallbackOnNotify(this *volumeCallback, data *volumeNotificationData) uintptr {
	if data != nil && this.notify != nil {
		this.notify(data.MasterVolume, data.Muted != 0)
	}
	return uintptr(ole.S_OK)
}

// registerControlChangeNotify attaches the callback object through the raw
// vtable slot; the wca wrappers for RegisterControlChangeNotify and its
// counterpart are stubs that take no callback argument.
func registerControlChangeNotify(aev *wca.IAudioEndpointVolume, cb *volumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		aev.VTable().RegisterControlChangeNotify,
		uintptr(unsafe.Pointer(aev)),
		uintptr(unsafe.Pointer(cb)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}

func unregisterControlChangeNotify(aev *wca.IAudioEndpointVolume, cb *volumeCallback) error {
	hr, _, _ := syscall.SyscallN(
		aev.VTable().UnregisterControlChangeNotify,
		uintptr(unsafe.Pointer(aev)),
		uintptr(unsafe.Pointer(cb)),
	)
	if hr != 0 {
		return ole.NewError(hr)
	}
	return nil
}
