//go:build cgo

package gousb

import (
	"context"
	"sync"
	"time"

	usb "github.com/google/gousb"
	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// DefaultControlTimeout bounds control transfers whose context has no
// deadline.
const DefaultControlTimeout = 5 * time.Second

// Device is an opened libusb device and its description.
type Device struct {
	dev  *usb.Device
	Info hal.DeviceInfo
}

// Scan opens every device on uctx whose description satisfies match. A nil
// match accepts all devices. Devices that open but cannot be described are
// closed and skipped; the first open error is returned alongside the rest.
func Scan(uctx *usb.Context, match func(hal.DeviceInfo) bool) ([]*Device, error) {
	devs, err := uctx.OpenDevices(func(desc *usb.DeviceDesc) bool {
		return match == nil || match(describe(desc, defaultConfig(desc)))
	})

	found := make([]*Device, 0, len(devs))
	for _, d := range devs {
		cfgNum, cerr := d.ActiveConfigNum()
		if cerr != nil {
			pkg.LogWarn(pkg.ComponentHAL, "active configuration unknown",
				"bus", d.Desc.Bus, "address", d.Desc.Address, "error", cerr)
			d.Close()
			continue
		}
		info := describe(d.Desc, cfgNum)
		info.Manufacturer, _ = d.Manufacturer()
		info.Product, _ = d.Product()
		info.Serial, _ = d.SerialNumber()
		found = append(found, &Device{dev: d, Info: info})
	}
	return found, errors.Wrap(mapError(err), "open usb devices")
}

// Close closes the device. Claimed transports must be closed first.
func (d *Device) Close() error {
	return errors.Wrap(mapError(d.dev.Close()), "close usb device")
}

// Claim claims iface, detaching any kernel driver, and returns a Transport
// for it.
func (d *Device) Claim(iface hal.InterfaceInfo) (*Transport, error) {
	if err := d.dev.SetAutoDetach(true); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "auto detach unavailable", "error", err)
	}

	cfgNum, err := d.dev.ActiveConfigNum()
	if err != nil {
		return nil, errors.Wrap(mapError(err), "active configuration")
	}
	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return nil, errors.Wrapf(mapError(err), "claim configuration %d", cfgNum)
	}
	intf, err := cfg.Interface(int(iface.Number), int(iface.Alternate))
	if err != nil {
		cfg.Close()
		return nil, errors.Wrapf(mapError(err), "claim interface %d", iface.Number)
	}

	t := &Transport{
		dev:  d.dev,
		cfg:  cfg,
		intf: intf,
		in:   make(map[uint8]*usb.InEndpoint),
		out:  make(map[uint8]*usb.OutEndpoint),
	}
	for _, ep := range iface.Endpoints {
		if ep.TransferType() != hal.TransferBulk {
			continue
		}
		if ep.IsIn() {
			e, err := intf.InEndpoint(int(ep.Number()))
			if err != nil {
				t.Close()
				return nil, errors.Wrapf(mapError(err), "bulk in %#02x", ep.Address)
			}
			t.in[ep.Address] = e
		} else {
			e, err := intf.OutEndpoint(int(ep.Number()))
			if err != nil {
				t.Close()
				return nil, errors.Wrapf(mapError(err), "bulk out %#02x", ep.Address)
			}
			t.out[ep.Address] = e
		}
	}

	pkg.LogInfo(pkg.ComponentHAL, "libusb interface claimed",
		"bus", d.Info.Bus, "address", d.Info.Address, "interface", iface.Number)
	return t, nil
}

// Transport is a hal.Transport over one claimed libusb interface.
type Transport struct {
	dev  *usb.Device
	cfg  *usb.Config
	intf *usb.Interface
	in   map[uint8]*usb.InEndpoint
	out  map[uint8]*usb.OutEndpoint

	// ctrl guards dev.ControlTimeout, which is per device.
	ctrl sync.Mutex
}

var _ hal.Transport = (*Transport)(nil)

// Close releases the interface and configuration.
func (t *Transport) Close() error {
	t.intf.Close()
	return errors.Wrap(mapError(t.cfg.Close()), "release configuration")
}

// ControlTransfer implements hal.Transport.
func (t *Transport) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(pkg.ErrCancelled, err.Error())
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}

	t.ctrl.Lock()
	defer t.ctrl.Unlock()

	t.dev.ControlTimeout = DefaultControlTimeout
	if deadline, ok := ctx.Deadline(); ok {
		t.dev.ControlTimeout = max(time.Until(deadline), time.Millisecond)
	}
	n, err := t.dev.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	return n, mapError(err)
}

// BulkOut implements hal.Transport.
func (t *Transport) BulkOut(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	ep, ok := t.out[pipe.Endpoint]
	if !ok {
		return 0, errors.Wrapf(pkg.ErrInvalidEndpoint, "%#02x", pipe.Endpoint)
	}
	n, err := ep.WriteContext(ctx, data)
	return n, mapError(err)
}

// BulkIn implements hal.Transport.
func (t *Transport) BulkIn(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	ep, ok := t.in[pipe.Endpoint]
	if !ok {
		return 0, errors.Wrapf(pkg.ErrInvalidEndpoint, "%#02x", pipe.Endpoint)
	}
	n, err := ep.ReadContext(ctx, data)
	return n, mapError(err)
}

// UnstallPipe implements hal.Transport with a standard CLEAR_FEATURE
// (ENDPOINT_HALT) request.
func (t *Transport) UnstallPipe(ctx context.Context, endpoint uint8) error {
	setup := hal.ClearHalt(endpoint)
	_, err := t.ControlTransfer(ctx, &setup, nil)
	return err
}

// transferStatus converts a libusb transfer completion status.
func transferStatus(s usb.TransferStatus) pkg.TransferStatus {
	switch s {
	case usb.TransferCompleted:
		return pkg.TransferStatusSuccess
	case usb.TransferStall:
		return pkg.TransferStatusStall
	case usb.TransferTimedOut:
		return pkg.TransferStatusTimeout
	case usb.TransferCancelled:
		return pkg.TransferStatusCancelled
	case usb.TransferNoDevice:
		return pkg.TransferStatusNoDevice
	case usb.TransferOverflow:
		return pkg.TransferStatusOverrun
	}
	return pkg.TransferStatusError
}

// mapError translates libusb errors and transfer statuses into the package
// pkg sentinels. Unknown errors pass through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var status usb.TransferStatus
	if errors.As(err, &status) {
		if target := transferStatus(status).Error(); target != nil {
			return errors.Wrap(target, err.Error())
		}
	}

	var target error
	switch {
	case errors.Is(err, usb.ErrorPipe):
		target = pkg.ErrStall
	case errors.Is(err, usb.ErrorTimeout):
		target = pkg.ErrTimeout
	case errors.Is(err, usb.ErrorNoDevice):
		target = pkg.ErrNoDevice
	case errors.Is(err, usb.ErrorInterrupted),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		target = pkg.ErrCancelled
	case errors.Is(err, usb.ErrorOverflow):
		target = pkg.ErrOverrun
	case errors.Is(err, usb.ErrorBusy):
		target = pkg.ErrBusy
	case errors.Is(err, usb.ErrorNotSupported):
		target = pkg.ErrNotSupported
	case errors.Is(err, usb.ErrorIO):
		target = pkg.ErrProtocol
	default:
		return err
	}
	return errors.Wrap(target, err.Error())
}
