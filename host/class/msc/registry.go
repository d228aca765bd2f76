package msc

import "fmt"

// EventKind identifies a block device notification.
type EventKind int

// Notification kinds.
const (
	EventAttached     EventKind = iota // Media geometry known, device usable
	EventDetached                      // Geometry withdrawn
	EventMediaRemoved                  // Media left a unit that had media
	EventUpdated                       // Unit state changed
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventAttached:
		return "attached"
	case EventDetached:
		return "detached"
	case EventMediaRemoved:
		return "media removed"
	case EventUpdated:
		return "updated"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification about one exposed block device.
type Event struct {
	Kind      EventKind
	Name      string
	LUN       uint8
	BlockSize uint32      // Set for EventAttached
	State     DeviceState // Unit state when the event was raised
	Device    *BlockDevice
}

// Registry receives the block devices a Driver exposes. Notify runs on the
// polling goroutine without the command lock held, so it may issue I/O on
// the device it was told about.
type Registry interface {
	// AddRoot makes dev visible. Called once per LUN at installation.
	AddRoot(dev *BlockDevice) error

	// RemoveRoot withdraws dev. Called once per LUN at deinstallation.
	RemoveRoot(dev *BlockDevice)

	// Notify reports attach, detach, removal and state updates.
	Notify(ev Event)
}

type nopRegistry struct{}

func (nopRegistry) AddRoot(*BlockDevice) error { return nil }
func (nopRegistry) RemoveRoot(*BlockDevice)    {}
func (nopRegistry) Notify(Event)               {}
