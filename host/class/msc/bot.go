package msc

import "encoding/binary"

// Direction is the data phase direction of a command.
type Direction uint8

// Data phase directions.
const (
	DirectionOut Direction = iota // Host to device (or no data)
	DirectionIn                   // Device to host
)

// String returns "in" or "out".
func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// CommandBlockWrapper represents a Command Block Wrapper in Bulk-Only Transport.
type CommandBlockWrapper struct {
	Signature          uint32   // Must be CBWSignature (0x43425355)
	Tag                uint32   // Command block tag
	DataTransferLength uint32   // Number of bytes to transfer in data phase
	Flags              uint8    // Direction flag (bit 7: 0=Out, 1=In)
	LUN                uint8    // Logical Unit Number (bits 0-3)
	CBLength           uint8    // Command block length (1-16)
	CB                 [16]byte // Command block (SCSI CDB), zero padded
}

// NewCBW builds a wrapper for cdb. It returns false if cdb does not fit.
func NewCBW(tag uint32, lun uint8, dir Direction, length uint32, cdb []byte, out *CommandBlockWrapper) bool {
	if len(cdb) == 0 || len(cdb) > CBWMaxCDB {
		return false
	}

	*out = CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: length,
		LUN:                lun & 0x0F,
		CBLength:           uint8(len(cdb)),
	}
	if dir == DirectionIn {
		out.Flags = CBWFlagDataIn
	}
	copy(out.CB[:], cdb)

	return true
}

// MarshalTo writes the Command Block Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], cbw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN
	buf[14] = cbw.CBLength
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// ParseCBW parses a Command Block Wrapper from raw bytes.
// Returns false if data is too short or signature is invalid.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CBWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])

	return true
}

// Direction returns the data phase direction encoded in Flags.
func (cbw *CommandBlockWrapper) Direction() Direction {
	if cbw.Flags&CBWFlagDataIn != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// CDB returns the significant bytes of the command block.
func (cbw *CommandBlockWrapper) CDB() []byte {
	n := int(cbw.CBLength)
	if n > len(cbw.CB) {
		n = len(cbw.CB)
	}
	return cbw.CB[:n]
}

// CommandStatusWrapper represents a Command Status Wrapper in Bulk-Only Transport.
type CommandStatusWrapper struct {
	Signature   uint32 // Must be CSWSignature (0x53425355)
	Tag         uint32 // Must match the CBW tag
	DataResidue uint32 // Difference between expected and actual data transfer
	Status      uint8  // Command status (CSWStatus*)
}

// MarshalTo writes the Command Status Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status

	return CSWSize
}

// ParseCSW decodes a Command Status Wrapper. It only checks the length;
// signature and status are judged by Valid.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) < CSWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]

	return true
}

// Valid reports whether the wrapper carries the CSW signature and one of the
// three defined status values.
func (csw *CommandStatusWrapper) Valid() bool {
	return csw.Signature == CSWSignature && csw.Status <= CSWStatusPhaseError
}

// NewCSW creates a new Command Status Wrapper with the given parameters.
func NewCSW(tag uint32, residue uint32, status uint8) *CommandStatusWrapper {
	return &CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}
