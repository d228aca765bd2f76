//go:build linux

package usbfs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// DefaultTimeout bounds a transfer whose context carries no deadline.
const DefaultTimeout = 5 * time.Second

// Transport is a hal.Transport over one claimed interface of a usbfs device
// node. Methods may be called from multiple goroutines; the kernel
// serializes transfers per endpoint.
type Transport struct {
	dev   Device
	iface uint8

	// Timeout applies when the context has no deadline.
	Timeout time.Duration

	mutex  sync.RWMutex
	fd     int
	closed bool
}

var _ hal.Transport = (*Transport)(nil)

// Open opens dev and claims interface iface, detaching the kernel driver.
func Open(dev Device, iface uint8) (*Transport, error) {
	fd, err := unix.Open(dev.DevPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(mapErrno(err), "open %s", dev.DevPath)
	}
	if err := claim(fd, iface); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(mapErrno(err), "claim interface %d of %s", iface, dev.DevPath)
	}

	pkg.LogInfo(pkg.ComponentHAL, "usbfs device opened",
		"path", dev.DevPath, "interface", iface,
		"vid", dev.Info.VendorID, "pid", dev.Info.ProductID)

	return &Transport{dev: dev, iface: iface, Timeout: DefaultTimeout, fd: fd}, nil
}

// Device returns the device the transport was opened on.
func (t *Transport) Device() Device { return t.dev }

// Close releases the interface, hands it back to the kernel driver and
// closes the node. Close is idempotent.
func (t *Transport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if err := release(t.fd, t.iface); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "release interface failed", "path", t.dev.DevPath, "error", err)
	}
	if err := reconnect(t.fd, t.iface); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "reconnect driver failed", "path", t.dev.DevPath, "error", err)
	}
	return errors.Wrap(unix.Close(t.fd), "close usbfs node")
}

// ControlTransfer implements hal.Transport.
func (t *Transport) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	return t.do(ctx, func(fd int, ms uint32) (int, error) {
		return doControl(fd, setup.RequestType, setup.Request, setup.Value, setup.Index, data, ms)
	})
}

// BulkOut implements hal.Transport.
func (t *Transport) BulkOut(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	return t.do(ctx, func(fd int, ms uint32) (int, error) {
		return doBulk(fd, pipe.Endpoint&0x7F, data, ms)
	})
}

// BulkIn implements hal.Transport.
func (t *Transport) BulkIn(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	return t.do(ctx, func(fd int, ms uint32) (int, error) {
		return doBulk(fd, pipe.Endpoint|0x80, data, ms)
	})
}

// UnstallPipe implements hal.Transport. The kernel resets the endpoint
// toggle along with the halt.
func (t *Transport) UnstallPipe(ctx context.Context, endpoint uint8) error {
	_, err := t.do(ctx, func(fd int, _ uint32) (int, error) {
		return 0, clearHalt(fd, endpoint)
	})
	return err
}

func (t *Transport) do(ctx context.Context, op func(fd int, timeoutMS uint32) (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Wrap(pkg.ErrCancelled, err.Error())
	}

	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.closed {
		return 0, pkg.ErrNoDevice
	}

	n, err := op(t.fd, timeoutMS(ctx, t.Timeout))
	if err != nil {
		return n, mapErrno(err)
	}
	return n, nil
}

// timeoutMS converts the context deadline, or fallback, to usbfs
// milliseconds. Zero would mean "wait forever", so the result is at least 1.
func timeoutMS(ctx context.Context, fallback time.Duration) uint32 {
	d := fallback
	if deadline, ok := ctx.Deadline(); ok {
		d = time.Until(deadline)
	}
	ms := d.Milliseconds()
	switch {
	case ms < 1:
		return 1
	case ms > int64(^uint32(0)):
		return ^uint32(0)
	}
	return uint32(ms)
}

// transferStatus classifies the errno of a failed URB.
func transferStatus(errno unix.Errno) (pkg.TransferStatus, bool) {
	switch errno {
	case 0:
		return pkg.TransferStatusSuccess, true
	case unix.EPIPE:
		return pkg.TransferStatusStall, true
	case unix.ETIMEDOUT:
		return pkg.TransferStatusTimeout, true
	case unix.ECONNRESET:
		return pkg.TransferStatusCancelled, true
	case unix.ENODEV, unix.ENOENT, unix.ESHUTDOWN:
		return pkg.TransferStatusNoDevice, true
	case unix.EOVERFLOW:
		return pkg.TransferStatusOverrun, true
	case unix.EPROTO, unix.EILSEQ:
		return pkg.TransferStatusError, true
	}
	return 0, false
}

// mapErrno translates usbfs errno values into the package pkg sentinels.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	if s, ok := transferStatus(errno); ok {
		return errors.Wrap(s.Error(), errno.Error())
	}
	switch errno {
	case unix.EBUSY:
		return errors.Wrap(pkg.ErrBusy, errno.Error())
	case unix.EINVAL:
		return errors.Wrap(pkg.ErrInvalidParameter, errno.Error())
	}
	return err
}
