package fault

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindApartmentUnavailable, "apartment_unavailable"},
		{KindDeviceNotFound, "device_not_found"},
		{KindDeviceGone, "device_gone"},
		{KindNoDevice, "no_device"},
		{KindInvalidArgument, "invalid_argument"},
		{KindCallbackRegistration, "callback_registration"},
		{KindPlatform, "platform"},
		{KindUnknown, "unknown"},
		{Kind(250), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{
			name:     "direct taxonomy error",
			err:      New(KindNoDevice, "no render endpoint"),
			expected: KindNoDevice,
		},
		{
			name:     "wrapped taxonomy error",
			err:      fmt.Errorf("list endpoints: %w", New(KindDeviceGone, "endpoint removed")),
			expected: KindDeviceGone,
		},
		{
			name:     "plain error",
			err:      errors.New("something else"),
			expected: KindUnknown,
		},
		{
			name:     "nil cause chain",
			err:      Wrap(KindPlatform, errors.New("hr"), "activate"),
			expected: KindPlatform,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.expected {
				t.Errorf("KindOf() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestFromHRESULT(t *testing.T) {
	tests := []struct {
		name     string
		hr       uint32
		expected Kind
	}{
		{"device invalidated", 0x88890004, KindDeviceGone},
		{"not found", 0x80070490, KindDeviceNotFound},
		{"changed apartment mode", 0x80010106, KindApartmentUnavailable},
		{"audio service not running", 0x88890010, KindApartmentUnavailable},
		{"access denied falls back to platform", 0x80070005, KindPlatform},
		{"unknown code falls back to platform", 0xDEADBEEF, KindPlatform},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FromHRESULT("GetMasterVolumeLevelScalar", tt.hr)
			if err.Kind() != tt.expected {
				t.Errorf("FromHRESULT(0x%08X).Kind() = %v, want %v", tt.hr, err.Kind(), tt.expected)
			}
			if err.HRESULT() != tt.hr {
				t.Errorf("HRESULT not preserved: got 0x%08X, want 0x%08X", err.HRESULT(), tt.hr)
			}
			if !strings.Contains(err.Error(), fmt.Sprintf("0x%08X", tt.hr)) {
				t.Errorf("error message %q does not mention original code", err.Error())
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if Normalize(nil) != nil {
		t.Fatal("Normalize(nil) should be nil")
	}

	classified := New(KindInvalidArgument, "level 1.5 outside [0, 1]")
	if got := Normalize(classified); got != classified {
		t.Errorf("Normalize should pass through classified errors, got %v", got)
	}

	plain := errors.New("raw COM failure")
	normalized := Normalize(plain)
	if KindOf(normalized) != KindPlatform {
		t.Errorf("Normalize(plain).Kind = %v, want KindPlatform", KindOf(normalized))
	}
	if !errors.Is(normalized, plain) {
		t.Error("Normalize should keep the original error in the chain")
	}
}

func TestWithHRESULT(t *testing.T) {
	base := New(KindNoDevice, "no default endpoint for render/console")
	annotated := base.WithHRESULT(0x80070490)

	if base.HRESULT() != 0 {
		t.Error("WithHRESULT must not mutate the original error")
	}
	if annotated.HRESULT() != 0x80070490 {
		t.Errorf("annotated HRESULT = 0x%08X, want 0x80070490", annotated.HRESULT())
	}
	if annotated.Kind() != KindNoDevice {
		t.Errorf("annotated kind = %v, want KindNoDevice", annotated.Kind())
	}
}
