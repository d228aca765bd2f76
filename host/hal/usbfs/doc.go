// Package usbfs is a Linux [hal.Transport] that talks to /dev/bus/usb
// directly, without cgo or libusb.
//
// Devices are discovered by walking sysfs (/sys/bus/usb/devices), which
// already exposes every descriptor field a class driver needs. Transfers are
// synchronous USBDEVFS_CONTROL and USBDEVFS_BULK ioctls on the device node.
//
// # Requirements
//
// The process needs read/write access to the device node, either by running
// as root or through a udev rule. Opening a transport detaches the kernel
// driver (normally usb-storage) from the interface; Close reattaches it.
//
//	devs, err := usbfs.Scan()
//	...
//	t, err := usbfs.Open(devs[0], 0)
//	defer t.Close()
package usbfs
