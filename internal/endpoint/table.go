package endpoint

import (
	"sync"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// Handle is the opaque identifier external holders get instead of a native
// pointer. Zero is never a valid handle.
type Handle uint64

// Table maps handles to live controls. Entries are created and released on
// the apartment thread; lookups from other goroutines only ever see opaque
// snapshots, never the native objects themselves.
type Table struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]*entry
	order   []Handle // creation order, for reverse-order release
}

type entry struct {
	deviceID string
	ctrl     Control
	gone     bool
}

// NewTable creates an empty handle table.
func NewTable() *Table {
	return &Table{entries: make(map[Handle]*entry)}
}

// Add registers a control and returns its handle.
func (t *Table) Add(ctrl Control) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	h := t.next
	t.entries[h] = &entry{deviceID: ctrl.DeviceID(), ctrl: ctrl}
	t.order = append(t.order, h)
	return h
}

// Control re-validates a handle against the live table and returns its
// control. Unknown handles fail with invalid_argument; handles whose
// device has been removed fail with device_gone.
func (t *Table) Control(h Handle) (Control, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return nil, fault.New(fault.KindInvalidArgument, "unknown endpoint handle %d", h)
	}
	if e.gone {
		return nil, fault.New(fault.KindDeviceGone, "endpoint %s was removed", e.deviceID)
	}
	return e.ctrl, nil
}

// DeviceID returns the stable device ID behind a handle. Valid even after
// the device is gone, for diagnostics.
func (t *Table) DeviceID(h Handle) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return "", fault.New(fault.KindInvalidArgument, "unknown endpoint handle %d", h)
	}
	return e.deviceID, nil
}

// Remove releases a handle's control and deletes its entry. Handles whose
// device is already gone are removed without a second release. Later
// lookups fail with invalid_argument.
func (t *Table) Remove(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[h]
	if !ok {
		return fault.New(fault.KindInvalidArgument, "unknown endpoint handle %d", h)
	}
	if !e.gone {
		e.ctrl.Release()
	}
	delete(t.entries, h)
	for i, o := range t.order {
		if o == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Invalidate marks every handle for the given device as gone. The native
// control is released immediately; the handle itself stays in the table so
// later calls fail with device_gone rather than invalid_argument.
func (t *Table) Invalidate(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.deviceID == deviceID && !e.gone {
			e.gone = true
			e.ctrl.Release()
			n++
		}
	}
	return n
}

// Len reports the number of live (not invalidated) handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if !e.gone {
			n++
		}
	}
	return n
}

// ReleaseAll releases every live control in reverse creation order and
// empties the table. Called from the apartment thread during teardown.
func (t *Table) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.order) - 1; i >= 0; i-- {
		if e, ok := t.entries[t.order[i]]; ok && !e.gone {
			e.ctrl.Release()
			e.gone = true
		}
	}
	t.entries = make(map[Handle]*entry)
	t.order = nil
}
