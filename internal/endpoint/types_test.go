package endpoint

import (
	"testing"

	"github.com/ashb/windows-audio-events/internal/fault"
)

func TestParseFlow(t *testing.T) {
	tests := []struct {
		input       string
		expected    Flow
		expectError bool
	}{
		{"render", FlowRender, false},
		{"capture", FlowCapture, false},
		{"", 0, true},
		{"Render", 0, true},
		{"both", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFlow(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				if fault.KindOf(err) != fault.KindInvalidArgument {
					t.Errorf("error kind = %v, want KindInvalidArgument", fault.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParseFlow(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input       string
		expected    Role
		expectError bool
	}{
		{"console", RoleConsole, false},
		{"", RoleConsole, false}, // platform fallback role
		{"multimedia", RoleMultimedia, false},
		{"communications", RoleCommunications, false},
		{"gaming", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParseRole(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseStateMask(t *testing.T) {
	tests := []struct {
		input       string
		expected    StateMask
		expectError bool
	}{
		{"", StateMaskAll, false},
		{"all", StateMaskAll, false},
		{"active", StateMask(StateActive), false},
		{"disabled", StateMask(StateDisabled), false},
		{"not_present", StateMask(StateNotPresent), false},
		{"unplugged", StateMask(StateUnplugged), false},
		{"broken", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStateMask(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("ParseStateMask(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStateMaskHas(t *testing.T) {
	mask := StateMask(StateActive | StateUnplugged)
	if !mask.Has(StateActive) {
		t.Error("mask should include active")
	}
	if !mask.Has(StateUnplugged) {
		t.Error("mask should include unplugged")
	}
	if mask.Has(StateDisabled) {
		t.Error("mask should not include disabled")
	}
	if !StateMaskAll.Has(StateNotPresent) {
		t.Error("StateMaskAll should include every state")
	}
}

func TestValidateLevel(t *testing.T) {
	tests := []struct {
		level       float32
		expectError bool
	}{
		{0, false},
		{0.5, false},
		{1, false},
		{-0.001, true},
		{1.001, true},
		{42, true},
	}

	for _, tt := range tests {
		err := ValidateLevel(tt.level)
		if tt.expectError && fault.KindOf(err) != fault.KindInvalidArgument {
			t.Errorf("ValidateLevel(%v) = %v, want invalid_argument", tt.level, err)
		}
		if !tt.expectError && err != nil {
			t.Errorf("ValidateLevel(%v) unexpected error: %v", tt.level, err)
		}
	}
}
