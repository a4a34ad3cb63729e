package endpoint

import (
	"encoding/json"
	"fmt"

	"github.com/ashb/windows-audio-events/internal/fault"
)

// Flow is the data-flow direction of an endpoint.
type Flow uint8

const (
	FlowRender  Flow = iota // output devices
	FlowCapture             // input devices
)

// String returns the wire name of the flow.
func (f Flow) String() string {
	switch f {
	case FlowRender:
		return "render"
	case FlowCapture:
		return "capture"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// MarshalJSON serializes the flow as its wire name.
func (f Flow) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// ParseFlow parses a wire name into a Flow.
func ParseFlow(s string) (Flow, error) {
	switch s {
	case "render":
		return FlowRender, nil
	case "capture":
		return FlowCapture, nil
	default:
		return 0, fault.New(fault.KindInvalidArgument, "flow must be 'render' or 'capture', got %q", s)
	}
}

// Role is a default-device category used to resolve which endpoint is "the
// default" for a given purpose.
type Role uint8

const (
	RoleConsole Role = iota
	RoleMultimedia
	RoleCommunications
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleConsole:
		return "console"
	case RoleMultimedia:
		return "multimedia"
	case RoleCommunications:
		return "communications"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// MarshalJSON serializes the role as its wire name.
func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// ParseRole parses a wire name into a Role. The empty string maps to
// console, the platform's own fallback role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "console", "":
		return RoleConsole, nil
	case "multimedia":
		return RoleMultimedia, nil
	case "communications":
		return RoleCommunications, nil
	default:
		return 0, fault.New(fault.KindInvalidArgument, "role must be one of [console, multimedia, communications], got %q", s)
	}
}

// State is the lifecycle state of an endpoint. Values match the platform's
// DEVICE_STATE_* bit positions so a set of states forms a mask.
type State uint32

const (
	StateActive     State = 0x1
	StateDisabled   State = 0x2
	StateNotPresent State = 0x4
	StateUnplugged  State = 0x8
)

// StateMask filters endpoints by state during enumeration.
type StateMask uint32

// StateMaskAll matches endpoints in every state.
const StateMaskAll StateMask = StateMask(StateActive | StateDisabled | StateNotPresent | StateUnplugged)

// Has reports whether the mask includes the given state.
func (m StateMask) Has(s State) bool {
	return uint32(m)&uint32(s) != 0
}

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateDisabled:
		return "disabled"
	case StateNotPresent:
		return "not_present"
	case StateUnplugged:
		return "unplugged"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint32(s))
	}
}

// MarshalJSON serializes the state as its wire name.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// ParseStateMask parses a wire name into a single-state mask. The empty
// string and "all" match every state.
func ParseStateMask(s string) (StateMask, error) {
	switch s {
	case "", "all":
		return StateMaskAll, nil
	case "active":
		return StateMask(StateActive), nil
	case "disabled":
		return StateMask(StateDisabled), nil
	case "not_present":
		return StateMask(StateNotPresent), nil
	case "unplugged":
		return StateMask(StateUnplugged), nil
	default:
		return 0, fault.New(fault.KindInvalidArgument, "state must be one of [all, active, disabled, not_present, unplugged], got %q", s)
	}
}

// StepDirection selects the platform's stepped volume increment or decrement.
type StepDirection uint8

const (
	StepUp StepDirection = iota
	StepDown
)

// String returns the wire name of the direction.
func (d StepDirection) String() string {
	if d == StepUp {
		return "up"
	}
	return "down"
}

// ParseStepDirection parses a wire name into a StepDirection.
func ParseStepDirection(s string) (StepDirection, error) {
	switch s {
	case "up":
		return StepUp, nil
	case "down":
		return StepDown, nil
	default:
		return 0, fault.New(fault.KindInvalidArgument, "direction must be 'up' or 'down', got %q", s)
	}
}

// Descriptor describes one endpoint as reported by enumeration. The
// friendly name comes from the device property store; ordering is the
// platform's enumeration order and is not stable across topology changes.
type Descriptor struct {
	DeviceID     string `json:"device_id"`
	FriendlyName string `json:"friendly_name"`
	Flow         Flow   `json:"flow"`
	State        State  `json:"state"`
}

// ValidateLevel checks a volume scalar against its [0, 1] domain.
func ValidateLevel(level float32) error {
	if level < 0 || level > 1 {
		return fault.New(fault.KindInvalidArgument, "volume level must be in [0, 1], got %v", level)
	}
	return nil
}
