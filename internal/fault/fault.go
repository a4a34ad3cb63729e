package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge error. Every error that crosses the bridge
// boundary carries exactly one Kind; raw platform error codes never escape.
type Kind uint8

const (
	// KindUnknown is the zero value and never assigned deliberately.
	KindUnknown Kind = iota

	// KindApartmentUnavailable means the apartment thread failed to start
	// or has shut down. Fatal for every subsequent operation, not retried.
	KindApartmentUnavailable

	// KindDeviceNotFound means a device ID could not be resolved to an
	// existing endpoint.
	KindDeviceNotFound

	// KindDeviceGone means the endpoint behind a handle was removed after
	// the handle was obtained.
	KindDeviceGone

	// KindNoDevice means no default endpoint exists for the requested
	// flow/role pair.
	KindNoDevice

	// KindInvalidArgument means a caller-supplied value is outside its
	// domain, e.g. a volume level outside [0, 1].
	KindInvalidArgument

	// KindCallbackRegistration means the platform rejected installation of
	// a notification callback.
	KindCallbackRegistration

	// KindPlatform wraps any other native failure, carrying the original
	// code for diagnostics.
	KindPlatform
)

// String returns the stable name of the kind, used in logs and API payloads.
func (k Kind) String() string {
	switch k {
	case KindApartmentUnavailable:
		return "apartment_unavailable"
	case KindDeviceNotFound:
		return "device_not_found"
	case KindDeviceGone:
		return "device_gone"
	case KindNoDevice:
		return "no_device"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindCallbackRegistration:
		return "callback_registration"
	case KindPlatform:
		return "platform"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across the bridge boundary.
type Error struct {
	kind    Kind
	msg     string
	hresult uint32
	cause   error
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind whose cause is err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), cause: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.kind, e.msg)
	if e.hresult != 0 {
		s = fmt.Sprintf("%s (hresult 0x%08X)", s, e.hresult)
	}
	if e.cause != nil {
		s = fmt.Sprintf("%s: %v", s, e.cause)
	}
	return s
}

// Unwrap exposes the cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the taxonomy kind of the error.
func (e *Error) Kind() Kind {
	return e.kind
}

// HRESULT returns the original native failure code, or zero if the error
// did not originate from a COM call.
func (e *Error) HRESULT() uint32 {
	return e.hresult
}

// KindOf extracts the taxonomy kind from any error. Errors that did not
// originate in this module report KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Well-known HRESULT values observed from the Core Audio APIs.
const (
	hrErrorNotFound         = 0x80070490 // E_NOTFOUND: no such device / no default endpoint
	hrDeviceInvalidated     = 0x88890004 // AUDCLNT_E_DEVICE_INVALIDATED: endpoint removed mid-call
	hrServiceNotRunning     = 0x88890010 // AUDCLNT_E_SERVICE_NOT_RUNNING
	hrChangedMode           = 0x80010106 // RPC_E_CHANGED_MODE: apartment already initialized differently
	hrClassNotRegistered    = 0x80040154 // REGDB_E_CLASSNOTREG
	hrOutOfMemory           = 0x8007000E // E_OUTOFMEMORY
	hrAccessDenied          = 0x80070005 // E_ACCESSDENIED
	hrNotificationReentrant = 0x88890008 // AUDCLNT_E_EVENTHANDLE_NOT_EXPECTED (registration rejected)
)

// FromHRESULT maps a native failure code to a taxonomy error. op names the
// failed COM call for diagnostics.
func FromHRESULT(op string, hr uint32) *Error {
	var kind Kind
	switch hr {
	case hrErrorNotFound:
		kind = KindDeviceNotFound
	case hrDeviceInvalidated:
		kind = KindDeviceGone
	case hrChangedMode, hrServiceNotRunning:
		kind = KindApartmentUnavailable
	default:
		kind = KindPlatform
	}
	return &Error{kind: kind, msg: op + " failed", hresult: hr}
}

// WithHRESULT returns a copy of the error annotated with the original
// native failure code.
func (e *Error) WithHRESULT(hr uint32) *Error {
	clone := *e
	clone.hresult = hr
	return &clone
}

// Normalize guarantees err carries a taxonomy kind. Errors without one are
// wrapped as KindPlatform so no unclassified failure crosses the boundary.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return Wrap(KindPlatform, err, "native call failed")
}
