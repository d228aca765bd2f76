// Package hal defines the boundary between mass-storage class drivers and the
// USB host controller that moves their bytes.
//
// Class drivers in this module never enumerate devices, parse descriptors or
// touch the bus electrically. They consume exactly four primitives, collected
// in the [Transport] interface:
//
//   - ControlTransfer, for class requests such as GET_MAX_LUN and the
//     mass-storage reset
//   - BulkOut and BulkIn, operating on a [Pipe] that carries its own data
//     toggle
//   - UnstallPipe, to clear a halted endpoint
//
// Enumeration results reach the class driver as a [DeviceInfo] value, which is
// enough to classify the device and locate its bulk endpoints.
//
// # Implementations
//
// Two transports ship with the module:
//
//   - [github.com/ardnew/usbstor/host/hal/gousb], portable, backed by libusb
//   - [github.com/ardnew/usbstor/host/hal/usbfs], Linux only, talking to
//     /dev/bus/usb directly
//
// Tests provide their own scripted Transport.
package hal
