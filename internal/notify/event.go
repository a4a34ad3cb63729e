package notify

import (
	"encoding/json"
	"fmt"

	"github.com/ashb/windows-audio-events/internal/endpoint"
	"github.com/ashb/windows-audio-events/internal/fault"
)

// Category classifies the events a subscription is interested in.
type Category uint8

const (
	CategoryVolume Category = iota
	CategoryMute
	CategoryDefaultDevice
	CategoryDeviceList
)

// String returns the wire name of the category.
func (c Category) String() string {
	switch c {
	case CategoryVolume:
		return "volume"
	case CategoryMute:
		return "mute"
	case CategoryDefaultDevice:
		return "default_device"
	case CategoryDeviceList:
		return "device_list"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// MarshalJSON serializes the category as its wire name.
func (c Category) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// ParseCategory parses a wire name into a Category.
func ParseCategory(s string) (Category, error) {
	switch s {
	case "volume":
		return CategoryVolume, nil
	case "mute":
		return CategoryMute, nil
	case "default_device":
		return CategoryDefaultDevice, nil
	case "device_list":
		return CategoryDeviceList, nil
	default:
		return 0, fault.New(fault.KindInvalidArgument, "category must be one of [volume, mute, default_device, device_list], got %q", s)
	}
}

// EndpointScoped reports whether the category is tied to a single endpoint
// (volume, mute) or system-wide (default device, device list).
func (c Category) EndpointScoped() bool {
	return c == CategoryVolume || c == CategoryMute
}

// Event is one immutable record delivered to subscribers, in callback
// firing order, never coalesced.
type Event struct {
	Category Category `json:"category"`
	DeviceID string   `json:"device_id"`
	Value    any      `json:"value"`
}

// DefaultDeviceChange is the value of a default_device event.
type DefaultDeviceChange struct {
	Flow     endpoint.Flow `json:"flow"`
	Role     endpoint.Role `json:"role"`
	DeviceID string        `json:"device_id"`
}

// DeviceListChange is the value of a device_list event.
type DeviceListChange struct {
	Change   string         `json:"change"` // "added", "removed" or "state_changed"
	DeviceID string         `json:"device_id"`
	State    endpoint.State `json:"state,omitempty"`
}
