// Package host is the enumeration side of the usbstor mass storage stack.
//
// A HAL package ([github.com/ardnew/usbstor/host/hal/gousb] or
// [github.com/ardnew/usbstor/host/hal/usbfs]) finds a device and opens a
// [hal.Transport] on it. Host takes it from there:
//
//   - classifies the device with [msc.Classify]
//   - assigns one of a fixed number of slots, which also names the block
//     devices ("Usb0", "Usb1L0", ...)
//   - charges the device's declared bus current against a shared budget
//   - installs an [msc.Driver], retrying with a doubling delay while no
//     logical unit identifies itself
//   - polls every installed driver, concurrently across devices
//
// All of this state belongs to the Host value; nothing is process-wide.
//
// # Example
//
//	h := host.New(registry, host.DefaultConfig())
//	defer h.Close()
//
//	dev, err := h.Install(ctx, transport, info)
//	if err != nil {
//	    return err
//	}
//	go h.Run(ctx)
package host
