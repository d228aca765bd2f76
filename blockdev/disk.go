package blockdev

import (
	"context"
	"io"

	"github.com/mitchellh/go-fs"
	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/pkg"
)

// chunkBlocks bounds a single READ(10)/WRITE(10) issued by a Disk.
const chunkBlocks = 128

// Disk is an fs.BlockDevice over an attached msc.BlockDevice. Byte offsets
// need not be block aligned; partial blocks are read, patched and written
// back.
type Disk struct {
	ctx       context.Context
	dev       *msc.BlockDevice
	blocks    int64
	blockSize int
}

var _ fs.BlockDevice = (*Disk)(nil)

// OpenDisk returns a Disk for dev. Transfers run under ctx. The geometry is
// read once; a Disk does not follow media changes.
func OpenDisk(ctx context.Context, dev *msc.BlockDevice) (*Disk, error) {
	if !dev.Attached() {
		return nil, errors.Wrapf(msc.ErrNotReady, "%s has no media", dev.Name())
	}

	var count, size uint64
	if err := resultError(dev.Ioctl(ctx, msc.IoctlGetSectorCount, &count)); err != nil {
		return nil, errors.Wrapf(err, "%s: sector count", dev.Name())
	}
	if err := resultError(dev.Ioctl(ctx, msc.IoctlGetSectorSize, &size)); err != nil {
		return nil, errors.Wrapf(err, "%s: sector size", dev.Name())
	}
	if size == 0 {
		return nil, errors.Wrapf(msc.ErrNotReady, "%s: zero sector size", dev.Name())
	}

	return &Disk{ctx: ctx, dev: dev, blocks: int64(count), blockSize: int(size)}, nil
}

// Close implements fs.BlockDevice. The underlying device stays registered.
func (d *Disk) Close() error { return nil }

// Len returns the capacity in bytes.
func (d *Disk) Len() int64 { return d.blocks * int64(d.blockSize) }

// SectorSize returns the block size.
func (d *Disk) SectorSize() int { return d.blockSize }

// ReadAt implements io.ReaderAt.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "offset %d", off)
	}
	if off >= d.Len() {
		return 0, io.EOF
	}

	want := len(p)
	if rest := d.Len() - off; int64(want) > rest {
		p = p[:rest]
	}

	bs := int64(d.blockSize)
	buf := make([]byte, chunkBlocks*d.blockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		lba := pos / bs
		skip := int(pos % bs)
		count := min(int64(chunkBlocks), (int64(skip+len(p)-n)+bs-1)/bs)

		chunk := buf[:count*bs]
		if err := d.read(lba, chunk, int(count)); err != nil {
			return n, err
		}
		n += copy(p[n:], chunk[skip:])
	}

	if n < want {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "offset %d", off)
	}
	if off+int64(len(p)) > d.Len() {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "write of %d bytes at %d past end", len(p), off)
	}

	bs := int64(d.blockSize)
	buf := make([]byte, chunkBlocks*d.blockSize)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		lba := pos / bs
		skip := int(pos % bs)
		count := min(int64(chunkBlocks), (int64(skip+len(p)-n)+bs-1)/bs)
		chunk := buf[:count*bs]

		span := min(len(chunk)-skip, len(p)-n)
		if skip != 0 || span%d.blockSize != 0 {
			if err := d.read(lba, chunk, int(count)); err != nil {
				return n, err
			}
		}
		copy(chunk[skip:], p[n:n+span])

		if err := resultError(d.dev.Write(d.ctx, chunk, uint32(lba), int(count))); err != nil {
			return n, errors.Wrapf(err, "%s: write lba %d", d.dev.Name(), lba)
		}
		n += span
	}
	return n, nil
}

func (d *Disk) read(lba int64, buf []byte, count int) error {
	if err := resultError(d.dev.Read(d.ctx, buf, uint32(lba), count)); err != nil {
		return errors.Wrapf(err, "%s: read lba %d", d.dev.Name(), lba)
	}
	return nil
}

// resultError turns a block device result code back into an error.
func resultError(r msc.Result) error {
	switch r {
	case msc.ResultOK:
		return nil
	case msc.ResultNotReady:
		return msc.ErrNotReady
	case msc.ResultParamError:
		return pkg.ErrInvalidParameter
	default:
		return ErrIO
	}
}
