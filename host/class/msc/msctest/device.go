package msctest

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// Endpoint addresses of the emulated interface.
const (
	EndpointIn  = 0x81
	EndpointOut = 0x02
)

// Fault alters how the device answers one command.
type Fault struct {
	FailCommandBlock    bool // Reject the CBW on the OUT pipe
	StaleStatus         bool // With FailCommandBlock: leave a good CSW to drain
	StallDataIn         bool // Stall the IN pipe instead of sending data
	StatusInPlaceOfData bool // Send the CSW where IN data is expected
	ShortData           int  // Send only this many data bytes (>0)
	StallDataOut        bool // Stall the OUT pipe instead of taking data
	ShortDataOut        int  // Take only this many data bytes (>0), then end the data phase
	PhaseError          bool // Report status 2
	BadSignature        bool // Corrupt the CSW signature
	WrongTag            bool // Echo a different tag
}

// Command is one command block the device accepted.
type Command struct {
	LUN    uint8
	Tag    uint32
	Opcode uint8
	Length uint32
}

// Unit is one emulated logical unit.
type Unit struct {
	Storage  Storage
	Vendor   string
	Product  string
	Revision string

	notReady atomic.Bool
}

// SetNotReady makes TEST UNIT READY report "becoming ready" while set.
func (u *Unit) SetNotReady(v bool) { u.notReady.Store(v) }

type phase int

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

// Device is an in-memory bulk-only mass storage target. It implements
// hal.Transport, so a host driver can be pointed at it directly.
//
// Device answers commands synchronously as the host moves bytes. It flags
// overlapping transport calls and command blocks that arrive while another
// command is still open; see Violations.
type Device struct {
	// OnCommand, if set, is consulted for every command block received.
	OnCommand func(cbw *msc.CommandBlockWrapper) Fault

	// StallMaxLUN makes GET MAX LUN stall, as single-LUN devices may.
	StallMaxLUN bool

	// FailReset makes the class reset request fail.
	FailReset bool

	units []*Unit
	busy  atomic.Int32

	mutex      sync.Mutex
	phase      phase
	cbw        msc.CommandBlockWrapper
	fault      Fault
	response   []byte
	received   []byte
	status     uint8
	moved      uint32
	stale      *msc.CommandStatusWrapper
	halted     map[uint8]bool
	senseKey   msc.SenseKey
	asc, ascq  uint8
	commands   []Command
	resets     int
	unstalls   map[uint8]int
	violations int
}

var _ hal.Transport = (*Device)(nil)

// New creates a device exposing units as LUN 0, 1, ...
func New(units ...*Unit) *Device {
	d := &Device{
		units:    units,
		halted:   make(map[uint8]bool),
		unstalls: make(map[uint8]int),
	}
	d.setSense(msc.SenseUnitAttention, ascPowerOnReset, 0)
	return d
}

// ascPowerOnReset is reported after creation and after every class reset.
const ascPowerOnReset = 0x29

// Unit returns emulated logical unit lun.
func (d *Device) Unit(lun int) *Unit { return d.units[lun] }

// Info returns descriptor data for a single-interface bulk-only device.
func (d *Device) Info() hal.DeviceInfo {
	return hal.DeviceInfo{
		VendorID:  0x1d6b,
		ProductID: 0x0104,
		Product:   "msctest",
		MaxPower:  100,
		Interfaces: []hal.InterfaceInfo{{
			Class:    msc.ClassMSC,
			SubClass: msc.SubclassSCSI,
			Protocol: msc.ProtocolBulkOnly,
			Endpoints: []hal.EndpointDescriptor{
				{Address: EndpointIn, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
				{Address: EndpointOut, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
			},
		}},
	}
}

// Commands returns the command blocks accepted so far.
func (d *Device) Commands() []Command {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]Command(nil), d.commands...)
}

// Opcodes returns the operation codes of Commands.
func (d *Device) Opcodes() []uint8 {
	cmds := d.Commands()
	ops := make([]uint8, len(cmds))
	for i, c := range cmds {
		ops[i] = c.Opcode
	}
	return ops
}

// ClearLog forgets the recorded commands.
func (d *Device) ClearLog() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.commands = nil
}

// Resets returns the number of class resets received.
func (d *Device) Resets() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.resets
}

// Unstalls returns how often endpoint was cleared.
func (d *Device) Unstalls(endpoint uint8) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.unstalls[endpoint]
}

// Violations counts overlapping transport calls and interleaved commands.
func (d *Device) Violations() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.violations
}

// enter marks the device as owned by one caller for the duration of a
// transport call.
func (d *Device) enter() func() {
	if d.busy.Add(1) != 1 {
		d.mutex.Lock()
		d.violations++
		d.mutex.Unlock()
	}
	return func() { d.busy.Add(-1) }
}

// ControlTransfer answers the two class requests and CLEAR_FEATURE.
func (d *Device) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	defer d.enter()()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch {
	case setup.RequestType&hal.RequestTypeClass != 0 && setup.Request == msc.RequestGetMaxLUN:
		if d.StallMaxLUN || len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = uint8(len(d.units) - 1)
		return 1, nil

	case setup.RequestType&hal.RequestTypeClass != 0 && setup.Request == msc.RequestBulkOnlyMassStorageReset:
		d.resets++
		if d.FailReset {
			return 0, pkg.ErrStall
		}
		d.phase = phaseCommand
		d.stale = nil
		d.setSense(msc.SenseUnitAttention, ascPowerOnReset, 0)
		return 0, nil

	case setup.Request == hal.RequestClearFeature:
		d.clearHalt(uint8(setup.Index))
		return 0, nil
	}
	return 0, pkg.ErrStall
}

// UnstallPipe clears a halt on endpoint.
func (d *Device) UnstallPipe(ctx context.Context, endpoint uint8) error {
	defer d.enter()()

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.clearHalt(endpoint)
	return nil
}

func (d *Device) clearHalt(endpoint uint8) {
	d.unstalls[endpoint]++
	delete(d.halted, endpoint)
}

// BulkOut accepts a command block or OUT data.
func (d *Device) BulkOut(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	defer d.enter()()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.halted[pipe.Endpoint] {
		return 0, pkg.ErrStall
	}

	if d.phase == phaseDataOut {
		if d.fault.StallDataOut {
			d.halted[pipe.Endpoint] = true
			d.phase = phaseStatus
			return 0, pkg.ErrStall
		}
		want := int(d.cbw.DataTransferLength)
		if d.fault.ShortDataOut > 0 && d.fault.ShortDataOut < want {
			want = d.fault.ShortDataOut
		}
		n := min(len(data), want-len(d.received))
		d.received = append(d.received, data[:n]...)
		switch {
		case len(d.received) >= int(d.cbw.DataTransferLength):
			d.finishWrite()
		case len(d.received) >= want:
			// Truncated: report the residue and drop the partial data.
			d.moved = uint32(len(d.received))
			d.phase = phaseStatus
		}
		return n, nil
	}

	if d.phase != phaseCommand {
		d.violations++
	}

	var cbw msc.CommandBlockWrapper
	if len(data) != msc.CBWSize || !msc.ParseCBW(data, &cbw) {
		d.halted[EndpointIn] = true
		d.halted[EndpointOut] = true
		return 0, errors.Wrap(pkg.ErrStall, "invalid command block")
	}

	var f Fault
	if d.OnCommand != nil {
		f = d.OnCommand(&cbw)
	}
	if f.FailCommandBlock {
		if f.StaleStatus {
			d.stale = msc.NewCSW(cbw.Tag-1, 0, msc.CSWStatusGood)
		}
		return 0, pkg.ErrTimeout
	}

	d.cbw, d.fault = cbw, f
	d.response, d.received, d.moved = nil, nil, 0
	d.commands = append(d.commands, Command{
		LUN: cbw.LUN, Tag: cbw.Tag, Opcode: cbw.CB[0], Length: cbw.DataTransferLength,
	})
	d.execute()
	return len(data), nil
}

// BulkIn returns IN data or the status wrapper.
func (d *Device) BulkIn(ctx context.Context, pipe *hal.Pipe, data []byte) (int, error) {
	defer d.enter()()

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.halted[pipe.Endpoint] {
		return 0, pkg.ErrStall
	}

	switch d.phase {
	case phaseDataIn:
		switch {
		case d.fault.StallDataIn:
			d.halted[pipe.Endpoint] = true
			d.phase = phaseStatus
			return 0, pkg.ErrStall
		case d.fault.StatusInPlaceOfData:
			return d.sendStatus(data), nil
		}
		resp := d.response
		if d.fault.ShortData > 0 && d.fault.ShortData < len(resp) {
			resp = resp[:d.fault.ShortData]
		}
		n := copy(data, resp)
		d.moved = uint32(n)
		d.phase = phaseStatus
		return n, nil

	case phaseStatus:
		return d.sendStatus(data), nil

	case phaseCommand:
		if d.stale != nil {
			n := d.stale.MarshalTo(data)
			d.stale = nil
			return n, nil
		}
	}
	return 0, pkg.ErrStall
}

func (d *Device) sendStatus(data []byte) int {
	csw := msc.NewCSW(d.cbw.Tag, d.cbw.DataTransferLength-d.moved, d.status)
	if d.fault.PhaseError {
		csw.Status = msc.CSWStatusPhaseError
	}
	if d.fault.BadSignature {
		csw.Signature = 0xDEADBEEF
	}
	if d.fault.WrongTag {
		csw.Tag++
	}
	d.phase = phaseCommand
	return csw.MarshalTo(data)
}

func (d *Device) setSense(key msc.SenseKey, asc, ascq uint8) {
	d.senseKey, d.asc, d.ascq = key, asc, ascq
}

// fail ends the command with CHECK CONDITION and the given sense.
func (d *Device) fail(key msc.SenseKey, asc uint8) {
	d.setSense(key, asc, 0)
	d.status = msc.CSWStatusFailed
	d.response = nil
	switch {
	case d.cbw.DataTransferLength == 0:
		d.phase = phaseStatus
	case d.cbw.Direction() == msc.DirectionIn:
		// Stall the data phase; the host clears it and reads status.
		d.phase = phaseDataIn
		d.fault.StallDataIn = !d.fault.StatusInPlaceOfData
	default:
		d.phase = phaseDataOut
	}
}

// respond ends the command with data for the host.
func (d *Device) respond(resp []byte) {
	d.status = msc.CSWStatusGood
	if int(d.cbw.DataTransferLength) < len(resp) {
		resp = resp[:d.cbw.DataTransferLength]
	}
	d.response = resp
	if d.cbw.DataTransferLength == 0 {
		d.phase = phaseStatus
		return
	}
	d.phase = phaseDataIn
}

// execute dispatches the current command block.
func (d *Device) execute() {
	cb := d.cbw.CB
	if int(d.cbw.LUN) >= len(d.units) {
		d.fail(msc.SenseIllegalRequest, msc.ASCLUNNotSupported)
		return
	}
	u := d.units[d.cbw.LUN]

	pkg.LogDebug(pkg.ComponentHAL, "emulated command",
		"lun", d.cbw.LUN, "tag", d.cbw.Tag, "opcode", cb[0])

	switch cb[0] {
	case msc.SCSITestUnitReady:
		switch {
		case u.notReady.Load():
			d.fail(msc.SenseNotReady, msc.ASCNotReady)
		case !u.Storage.IsPresent():
			d.fail(msc.SenseNotReady, msc.ASCMediumNotPresent)
		default:
			d.setSense(msc.SenseNoSense, 0, 0)
			d.respond(nil)
		}

	case msc.SCSIRequestSense:
		sd := msc.SenseData{ResponseCode: 0x70, Key: d.senseKey, ASC: d.asc, ASCQ: d.ascq}
		buf := make([]byte, msc.SenseDataSize)
		sd.MarshalTo(buf)
		d.setSense(msc.SenseNoSense, 0, 0)
		d.respond(buf)

	case msc.SCSIInquiry:
		d.respond(inquiryResponse(u))

	case msc.SCSIReadCapacity10:
		if !u.Storage.IsPresent() {
			d.fail(msc.SenseNotReady, msc.ASCMediumNotPresent)
			return
		}
		buf := make([]byte, msc.ReadCapacity10Size)
		binary.BigEndian.PutUint32(buf[0:4], uint32(u.Storage.BlockCount()-1))
		binary.BigEndian.PutUint32(buf[4:8], u.Storage.BlockSize())
		d.respond(buf)

	case msc.SCSIRead10:
		lba, blocks, ok := d.checkTransfer(u)
		if !ok {
			return
		}
		buf := make([]byte, int(blocks)*int(u.Storage.BlockSize()))
		if _, err := u.Storage.Read(uint64(lba), uint32(blocks), buf); err != nil {
			d.fail(msc.SenseMediumError, 0x11)
			return
		}
		d.respond(buf)

	case msc.SCSIWrite10:
		if _, _, ok := d.checkTransfer(u); !ok {
			return
		}
		if u.Storage.IsReadOnly() {
			d.fail(msc.SenseDataProtect, 0x27)
			return
		}
		d.status = msc.CSWStatusGood
		d.phase = phaseDataOut
		if d.cbw.DataTransferLength == 0 {
			d.phase = phaseStatus
		}

	default:
		d.fail(msc.SenseIllegalRequest, msc.ASCInvalidCommandOp)
	}
}

func (d *Device) checkTransfer(u *Unit) (uint32, uint16, bool) {
	if !u.Storage.IsPresent() {
		d.fail(msc.SenseNotReady, msc.ASCMediumNotPresent)
		return 0, 0, false
	}
	lba := binary.BigEndian.Uint32(d.cbw.CB[2:6])
	blocks := binary.BigEndian.Uint16(d.cbw.CB[7:9])
	if uint64(lba)+uint64(blocks) > u.Storage.BlockCount() {
		d.fail(msc.SenseIllegalRequest, 0x21)
		return 0, 0, false
	}
	return lba, blocks, true
}

// finishWrite commits received OUT data.
func (d *Device) finishWrite() {
	d.moved = uint32(len(d.received))
	d.phase = phaseStatus
	if d.status != msc.CSWStatusGood || d.cbw.CB[0] != msc.SCSIWrite10 {
		return
	}

	u := d.units[d.cbw.LUN]
	lba := binary.BigEndian.Uint32(d.cbw.CB[2:6])
	blocks := binary.BigEndian.Uint16(d.cbw.CB[7:9])
	if _, err := u.Storage.Write(uint64(lba), uint32(blocks), d.received); err != nil {
		d.setSense(msc.SenseMediumError, 0x0C, 0)
		d.status = msc.CSWStatusFailed
	}
}

func inquiryResponse(u *Unit) []byte {
	buf := make([]byte, msc.InquiryStandardSize)
	if u.Storage.IsRemovable() {
		buf[1] = msc.InquiryRMB
	}
	buf[2] = 0x06 // SPC-4
	buf[3] = 0x02
	buf[4] = msc.InquiryStandardSize - 5
	copy(buf[8:16], pad(u.Vendor, 8))
	copy(buf[16:32], pad(u.Product, 16))
	copy(buf[32:36], pad(u.Revision, 4))
	return buf
}

func pad(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
