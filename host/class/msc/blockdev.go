package msc

import (
	"context"
	"sync"

	"github.com/ardnew/usbstor/pkg"
)

// IoctlCommand selects a BlockDevice control operation.
type IoctlCommand int

// Ioctl commands.
const (
	IoctlGetSectorCount IoctlCommand = iota // Number of blocks on the media
	IoctlGetSectorSize                      // Bytes per block
)

// BlockDevice is the face of a LogicalUnit offered to a block device
// registry. It is attached while media geometry is known.
type BlockDevice struct {
	unit *LogicalUnit
	name string

	mutex     sync.RWMutex
	attached  bool
	blockSize uint32
}

// Name returns the exposed name, e.g. "Usb0" or "Usb0L1".
func (b *BlockDevice) Name() string { return b.name }

// DisplayName returns the vendor and product identification.
func (b *BlockDevice) DisplayName() string { return b.unit.DisplayName() }

// Unit returns the logical unit behind the device.
func (b *BlockDevice) Unit() *LogicalUnit { return b.unit }

// Status returns the unit state.
func (b *BlockDevice) Status() DeviceState { return b.unit.State() }

// Attached reports whether the device currently has geometry.
func (b *BlockDevice) Attached() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.attached
}

// BlockSize returns the block size the device was attached with, or 0.
func (b *BlockDevice) BlockSize() uint32 {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.blockSize
}

func (b *BlockDevice) attach(blockSize uint32) {
	b.mutex.Lock()
	b.attached = true
	b.blockSize = blockSize
	b.mutex.Unlock()
}

func (b *BlockDevice) detach() {
	b.mutex.Lock()
	b.attached = false
	b.blockSize = 0
	b.mutex.Unlock()
}

// Read reads count blocks at lba into buf.
func (b *BlockDevice) Read(ctx context.Context, buf []byte, lba uint32, count int) Result {
	err := b.unit.Read10(ctx, lba, buf, count)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "read failed", "device", b.name, "lba", lba, "count", count, "error", err)
	}
	return ResultOf(err)
}

// Write writes count blocks from buf at lba.
func (b *BlockDevice) Write(ctx context.Context, buf []byte, lba uint32, count int) Result {
	err := b.unit.Write10(ctx, lba, buf, count)
	if err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "write failed", "device", b.name, "lba", lba, "count", count, "error", err)
	}
	return ResultOf(err)
}

// Ioctl answers geometry queries by issuing READ CAPACITY.
func (b *BlockDevice) Ioctl(ctx context.Context, cmd IoctlCommand, out *uint64) Result {
	if out == nil {
		return ResultParamError
	}
	switch cmd {
	case IoctlGetSectorCount, IoctlGetSectorSize:
	default:
		return ResultParamError
	}

	blocks, size, err := b.unit.ReadCapacity(ctx)
	if err != nil {
		return ResultOf(err)
	}
	if cmd == IoctlGetSectorCount {
		*out = blocks
	} else {
		*out = uint64(size)
	}
	return ResultOK
}
