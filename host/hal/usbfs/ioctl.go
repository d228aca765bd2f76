//go:build linux

package usbfs

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Generic ioctl number layout, shared by x86, arm and riscv:
//
//	bits 0-7:   command number
//	bits 8-15:  type
//	bits 16-29: argument size
//	bits 30-31: direction
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

const usbdevfsType = 'U'

// usbdevfs command numbers.
const (
	nrControl         = 0
	nrBulk            = 2
	nrClaimInterface  = 15
	nrReleaseIface    = 16
	nrIoctl           = 18
	nrClearHalt       = 21
	nrConnect         = 23
	nrDisconnectClaim = 27
)

// ctrlTransfer mirrors struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer mirrors struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	data     uintptr
}

// ioctlRequest mirrors struct usbdevfs_ioctl.
type ioctlRequest struct {
	ifno int32
	code int32
	data uintptr
}

// disconnectClaim mirrors struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	iface  uint32
	flags  uint32
	driver [256]byte
}

var (
	ioctlControl         = ioc(iocRead|iocWrite, usbdevfsType, nrControl, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk            = ioc(iocRead|iocWrite, usbdevfsType, nrBulk, unsafe.Sizeof(bulkTransfer{}))
	ioctlClaimInterface  = ioc(iocRead, usbdevfsType, nrClaimInterface, unsafe.Sizeof(uint32(0)))
	ioctlReleaseIface    = ioc(iocRead, usbdevfsType, nrReleaseIface, unsafe.Sizeof(uint32(0)))
	ioctlIoctl           = ioc(iocRead|iocWrite, usbdevfsType, nrIoctl, unsafe.Sizeof(ioctlRequest{}))
	ioctlClearHalt       = ioc(iocRead, usbdevfsType, nrClearHalt, unsafe.Sizeof(uint32(0)))
	ioctlConnect         = ioc(iocNone, usbdevfsType, nrConnect, 0)
	ioctlDisconnectClaim = ioc(iocRead, usbdevfsType, nrDisconnectClaim, unsafe.Sizeof(disconnectClaim{}))
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return 0, errno
	}
	return int(r), nil
}

func bufferAddr(data []byte) uintptr {
	if len(data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&data[0]))
}

func doControl(fd int, reqType, req uint8, value, index uint16, data []byte, timeoutMS uint32) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     timeoutMS,
		data:        bufferAddr(data),
	}
	n, err := ioctl(fd, ioctlControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	return n, err
}

func doBulk(fd int, endpoint uint8, data []byte, timeoutMS uint32) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  timeoutMS,
		data:     bufferAddr(data),
	}
	n, err := ioctl(fd, ioctlBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	return n, err
}

func clearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctl(fd, ioctlClearHalt, unsafe.Pointer(&ep))
	return err
}

// claim detaches any kernel driver from iface and claims it in one step.
func claim(fd int, iface uint8) error {
	dc := disconnectClaim{iface: uint32(iface)}
	if _, err := ioctl(fd, ioctlDisconnectClaim, unsafe.Pointer(&dc)); err == nil {
		return nil
	}
	// Kernels before 3.18 lack DISCONNECT_CLAIM.
	n := uint32(iface)
	_, err := ioctl(fd, ioctlClaimInterface, unsafe.Pointer(&n))
	return err
}

func release(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, ioctlReleaseIface, unsafe.Pointer(&n))
	return err
}

// reconnect hands iface back to the kernel driver.
func reconnect(fd int, iface uint8) error {
	req := ioctlRequest{ifno: int32(iface), code: int32(ioctlConnect)}
	_, err := ioctl(fd, ioctlIoctl, unsafe.Pointer(&req))
	return err
}
