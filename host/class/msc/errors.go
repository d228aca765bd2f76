package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbstor/pkg"
)

// Mass-storage class errors.
var (
	// ErrCheckCondition indicates the device answered CHECK CONDITION. Sense
	// data has already been applied to the logical unit.
	ErrCheckCondition = errors.New("check condition")

	// ErrResetFailed indicates that bulk-only reset recovery itself failed.
	// The device should be considered gone.
	ErrResetFailed = errors.New("device reset failed")

	// ErrResetRecovered indicates the command was aborted by a successful
	// reset recovery. Retrying is safe.
	ErrResetRecovered = errors.New("command aborted by device reset")

	// ErrNotReady indicates a command was refused because the logical unit
	// is not in the Ready state. The concrete error is a *NotReadyError.
	ErrNotReady = errors.New("logical unit not ready")

	// ErrUninitialized indicates the logical unit failed INQUIRY and is
	// permanently out of service.
	ErrUninitialized = errors.New("logical unit not initialized")

	// ErrShortTransfer indicates a data phase moved fewer bytes than asked
	// for after all retries were spent.
	ErrShortTransfer = errors.New("short transfer")

	// ErrInvalidLUN indicates a logical unit number outside the device range.
	ErrInvalidLUN = errors.New("invalid logical unit number")

	// ErrDeinstalled indicates the driver has been deinstalled.
	ErrDeinstalled = errors.New("driver deinstalled")

	// ErrNotMassStorage indicates the device has no bulk-only SCSI interface.
	ErrNotMassStorage = errors.New("not a bulk-only mass storage device")
)

// NotReadyError reports a command refused by the Ready precondition.
type NotReadyError struct {
	LUN   uint8
	State DeviceState
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("lun %d: %s (state %s)", e.LUN, ErrNotReady, e.State)
}

// Is makes errors.Is(err, ErrNotReady) hold for every NotReadyError.
func (e *NotReadyError) Is(target error) bool {
	return target == ErrNotReady
}

// Result is the status code handed to a block device registry.
type Result int

// Result codes.
const (
	ResultOK         Result = iota // Operation succeeded
	ResultError                    // I/O or transport failure
	ResultNotReady                 // Unit not ready or not initialized
	ResultParamError               // Bad argument or unknown ioctl
)

// String returns a short name for the result.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultError:
		return "error"
	case ResultNotReady:
		return "not ready"
	case ResultParamError:
		return "parameter error"
	default:
		return "unknown"
	}
}

// ResultOf maps an error returned by this package onto a Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrNotReady), errors.Is(err, ErrUninitialized):
		return ResultNotReady
	case errors.Is(err, pkg.ErrInvalidParameter),
		errors.Is(err, pkg.ErrBufferTooSmall),
		errors.Is(err, pkg.ErrNotSupported),
		errors.Is(err, ErrInvalidLUN):
		return ResultParamError
	default:
		return ResultError
	}
}
