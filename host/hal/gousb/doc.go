// Package gousb is a portable [hal.Transport] backed by libusb through
// github.com/google/gousb. It requires cgo.
//
// Scan opens every device the caller is interested in and describes it as a
// [hal.DeviceInfo]. Claim turns one interface of an opened device into a
// Transport:
//
//	uctx := usb.NewContext()
//	defer uctx.Close()
//
//	devs, err := gousb.Scan(uctx, func(info hal.DeviceInfo) bool {
//	    return msc.Classify(info).Kind == msc.BulkOnlySCSI
//	})
//	...
//	t, err := devs[0].Claim(m.Interface)
package gousb
