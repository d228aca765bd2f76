package msc

import (
	"context"
	"encoding/binary"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/pkg"
)

// Command descriptor blocks. Byte 1 carries the LUN in bits 5-7 for the
// commands that defined it in SCSI-2; INQUIRY and READ CAPACITY leave it 0.

func inquiryCDB() [CDBLen6]byte {
	return [CDBLen6]byte{SCSIInquiry, 0, 0, 0, InquiryStandardSize, 0}
}

func testUnitReadyCDB(lun uint8) [CDBLen12]byte {
	return [CDBLen12]byte{SCSITestUnitReady, lun << 5}
}

func readCapacityCDB() [CDBLen10]byte {
	return [CDBLen10]byte{SCSIReadCapacity10}
}

func requestSenseCDB(lun uint8) [CDBLen6]byte {
	return [CDBLen6]byte{SCSIRequestSense, lun << 5, 0, 0, SenseDataSize, 0}
}

func transfer10CDB(op, lun uint8, lba uint32, blocks uint16) [CDBLen10]byte {
	cdb := [CDBLen10]byte{op, lun << 5}
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// InquiryData is the decoded standard INQUIRY response.
type InquiryData struct {
	PeripheralType uint8
	Removable      bool
	Vendor         string
	Product        string
	Revision       string
}

// inquiryMinLength covers vendor and product identification.
const inquiryMinLength = 32

// ParseInquiry decodes a standard INQUIRY response.
// Returns false if data does not reach the end of the product field.
func ParseInquiry(data []byte, out *InquiryData) bool {
	if len(data) < inquiryMinLength {
		return false
	}
	out.PeripheralType = data[0] & 0x1F
	out.Removable = data[1]&InquiryRMB != 0
	out.Vendor = asciiField(data[8:16])
	out.Product = asciiField(data[16:32])
	out.Revision = ""
	if len(data) >= InquiryStandardSize {
		out.Revision = asciiField(data[32:36])
	}
	return true
}

func asciiField(b []byte) string {
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// Inquiry reads the unit's identity. A failure takes the unit out of
// service for good.
func (u *LogicalUnit) Inquiry(ctx context.Context) (InquiryData, error) {
	var (
		resp [InquiryStandardSize]byte
		id   InquiryData
	)
	cdb := inquiryCDB()
	n, err := u.driver.ExecCommand(ctx, u.index, cdb[:], DirectionIn, resp[:])
	if err == nil && !ParseInquiry(resp[:n], &id) {
		err = errors.Wrapf(ErrShortTransfer, "%d bytes", n)
	}
	if err != nil {
		u.mutex.Lock()
		u.initialized = false
		u.mutex.Unlock()
		return InquiryData{}, errors.Wrapf(err, "lun %d: inquiry", u.index)
	}

	u.mutex.Lock()
	u.inquiry = id
	u.removable = id.Removable
	u.initialized = true
	u.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentSCSI, "inquiry",
		"lun", u.index, "vendor", id.Vendor, "product", id.Product, "removable", id.Removable)
	return id, nil
}

// TestUnitReady asks whether the unit can accept media access commands.
// Success makes the unit Ready. A CHECK CONDITION is not an error: the sense
// data it produced has already updated the state.
func (u *LogicalUnit) TestUnitReady(ctx context.Context) error {
	if !u.Initialized() {
		return errors.Wrapf(ErrUninitialized, "lun %d", u.index)
	}

	cdb := testUnitReadyCDB(u.index)
	_, err := u.driver.ExecCommand(ctx, u.index, cdb[:], DirectionOut, nil)
	switch {
	case err == nil:
		u.setState(StateReady)
		return nil
	case errors.Is(err, ErrCheckCondition):
		return nil
	default:
		return errors.Wrapf(err, "lun %d: test unit ready", u.index)
	}
}

// ReadCapacity returns the number of blocks and the block size, and caches
// them on the unit. The unit must be Ready.
func (u *LogicalUnit) ReadCapacity(ctx context.Context) (blocks uint64, blockSize uint32, err error) {
	if err := u.ready(); err != nil {
		return 0, 0, err
	}

	var resp [ReadCapacity10Size]byte
	cdb := readCapacityCDB()
	n, err := u.driver.ExecCommand(ctx, u.index, cdb[:], DirectionIn, resp[:])
	if err != nil {
		return 0, 0, errors.Wrapf(err, "lun %d: read capacity", u.index)
	}
	if n < ReadCapacity10Size {
		return 0, 0, errors.Wrapf(ErrShortTransfer, "lun %d: read capacity: %d bytes", u.index, n)
	}

	blocks = uint64(binary.BigEndian.Uint32(resp[0:4])) + 1
	blockSize = binary.BigEndian.Uint32(resp[4:8])
	if blockSize == 0 {
		return 0, 0, errors.Wrapf(pkg.ErrProtocol, "lun %d: zero block size", u.index)
	}

	u.mutex.Lock()
	u.capacity = blocks
	u.blockSize = blockSize
	u.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentSCSI, "capacity",
		"lun", u.index, "blocks", blocks, "block_size", blockSize)
	return blocks, blockSize, nil
}

// Read10 reads count blocks starting at lba into buf.
func (u *LogicalUnit) Read10(ctx context.Context, lba uint32, buf []byte, count int) error {
	return u.transfer10(ctx, SCSIRead10, DirectionIn, lba, buf, count)
}

// Write10 writes count blocks from buf starting at lba.
func (u *LogicalUnit) Write10(ctx context.Context, lba uint32, buf []byte, count int) error {
	return u.transfer10(ctx, SCSIWrite10, DirectionOut, lba, buf, count)
}

// transfer10 runs READ(10) or WRITE(10). Short transfers are retried up to
// Config.IORetries attempts in total; a partial result is never returned.
func (u *LogicalUnit) transfer10(ctx context.Context, op uint8, dir Direction, lba uint32, buf []byte, count int) error {
	if err := u.ready(); err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	if count < 0 || count > MaxTransferBlocks {
		return errors.Wrapf(pkg.ErrInvalidParameter, "lun %d: block count %d", u.index, count)
	}

	_, blockSize := u.Geometry()
	if blockSize == 0 {
		return errors.Wrapf(ErrNotReady, "lun %d: geometry unknown", u.index)
	}
	size := count * int(blockSize)
	if len(buf) < size {
		return errors.Wrapf(pkg.ErrBufferTooSmall, "lun %d: %d bytes for %d blocks", u.index, len(buf), count)
	}

	cdb := transfer10CDB(op, u.index, lba, uint16(count))
	data := buf[:size]
	cfg := u.driver.config

	attempt := 0
	operation := func() error {
		attempt++
		n, err := u.driver.ExecCommand(ctx, u.index, cdb[:], dir, data)
		if err != nil {
			return backoff.Permanent(err)
		}
		if n != size {
			pkg.LogDebug(pkg.ComponentSCSI, "short transfer",
				"lun", u.index, "lba", lba, "attempt", attempt, "want", size, "got", n)
			return errors.Wrapf(ErrShortTransfer, "%d of %d bytes", n, size)
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.IORetries-1))
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return errors.Wrapf(err, "lun %d: %s lba %d", u.index, dir, lba)
	}
	return nil
}

// RequestSense fetches sense data and applies its verdict to the unit.
func (u *LogicalUnit) RequestSense(ctx context.Context) (Verdict, error) {
	if !u.Initialized() {
		return Verdict{}, errors.Wrapf(ErrUninitialized, "lun %d", u.index)
	}

	var sense [SenseDataSize]byte
	cdb := requestSenseCDB(u.index)
	n, err := u.driver.ExecCommand(ctx, u.index, cdb[:], DirectionIn, sense[:])
	if err != nil {
		return Verdict{}, errors.Wrapf(err, "lun %d: request sense", u.index)
	}

	v := InterpretSense(sense[:n])
	u.applyVerdict(v)
	return v, nil
}
