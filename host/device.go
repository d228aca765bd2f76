package host

import (
	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/hal"
)

// Device is a physical mass storage device installed in a Host slot.
type Device struct {
	slot      int
	name      string
	info      hal.DeviceInfo
	transport hal.Transport
	driver    *msc.Driver
	power     int
}

// Slot returns the slot index.
func (d *Device) Slot() int { return d.slot }

// Name returns the base name of the device's block devices.
func (d *Device) Name() string { return d.name }

// Info returns the description the device was installed with.
func (d *Device) Info() hal.DeviceInfo { return d.info }

// Driver returns the class driver serving the device.
func (d *Device) Driver() *msc.Driver { return d.driver }

// Transport returns the transport the driver talks through.
func (d *Device) Transport() hal.Transport { return d.transport }

// Power returns the bus current charged to the device, in mA.
func (d *Device) Power() int { return d.power }
