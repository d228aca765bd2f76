package blockdev

import "errors"

// Registry errors.
var (
	ErrExists   = errors.New("block device name in use")
	ErrNotFound = errors.New("no such block device")
)

// ErrIO is returned when a block transfer failed on the device.
var ErrIO = errors.New("block i/o error")
