//go:build !windows

package endpoint

import (
	"log/slog"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// NewSystem fails on non-Windows platforms: the service controls Windows
// audio endpoints only. The rest of the module still compiles and tests
// everywhere through fake backends.
func NewSystem(logger *slog.Logger) System {
	return unsupportedSystem{}
}

type unsupportedSystem struct{}

func (unsupportedSystem) Open() error {
	return fault.New(fault.KindApartmentUnavailable, "windows core audio backend is only available on windows")
}

func (unsupportedSystem) Close() {}

func (unsupportedSystem) ListEndpoints(Flow, StateMask) ([]Descriptor, error) {
	return nil, errUnsupported()
}

func (unsupportedSystem) DefaultEndpoint(Flow, Role) (string, error) {
	return "", errUnsupported()
}

func (unsupportedSystem) OpenControl(string) (Control, error) {
	return nil, errUnsupported()
}

func (unsupportedSystem) RegisterDeviceCallback(DeviceCallback) (func() error, error) {
	return nil, errUnsupported()
}

func errUnsupported() error {
	return fault.New(fault.KindPlatform, "core audio is not available on this platform")
}
