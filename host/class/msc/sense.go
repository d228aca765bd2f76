package msc

import "fmt"

// SenseKey classifies the error category reported in sense data.
type SenseKey uint8

// Sense keys (SPC-4 table 48).
const (
	SenseNoSense        SenseKey = 0x00
	SenseRecoveredError SenseKey = 0x01
	SenseNotReady       SenseKey = 0x02
	SenseMediumError    SenseKey = 0x03
	SenseHardwareError  SenseKey = 0x04
	SenseIllegalRequest SenseKey = 0x05
	SenseUnitAttention  SenseKey = 0x06
	SenseDataProtect    SenseKey = 0x07
	SenseBlankCheck     SenseKey = 0x08
	SenseVendorSpecific SenseKey = 0x09
	SenseCopyAborted    SenseKey = 0x0A
	SenseAbortedCommand SenseKey = 0x0B
	SenseObsolete       SenseKey = 0x0C
	SenseVolumeOverflow SenseKey = 0x0D
	SenseMiscompare     SenseKey = 0x0E
)

var senseKeyNames = [...]string{
	SenseNoSense:        "no sense",
	SenseRecoveredError: "recovered error",
	SenseNotReady:       "not ready",
	SenseMediumError:    "medium error",
	SenseHardwareError:  "hardware error",
	SenseIllegalRequest: "illegal request",
	SenseUnitAttention:  "unit attention",
	SenseDataProtect:    "data protect",
	SenseBlankCheck:     "blank check",
	SenseVendorSpecific: "vendor specific",
	SenseCopyAborted:    "copy aborted",
	SenseAbortedCommand: "aborted command",
	SenseObsolete:       "obsolete",
	SenseVolumeOverflow: "volume overflow",
	SenseMiscompare:     "miscompare",
}

// String returns the SPC name of the sense key.
func (k SenseKey) String() string {
	if int(k) < len(senseKeyNames) {
		return senseKeyNames[k]
	}
	return fmt.Sprintf("reserved(0x%02x)", uint8(k))
}

// Additional sense codes the interpreter acts on.
const (
	ASCNotReady          = 0x04 // Logical unit not ready
	ASCLUNNotSupported   = 0x25 // Logical unit not supported
	ASCMediumMayChange   = 0x28 // Not ready to ready transition
	ASCMediumNotPresent  = 0x3A // Medium not present
	ASCInvalidCommandOp  = 0x20 // Invalid command operation code
	ASCInvalidFieldInCDB = 0x24 // Invalid field in CDB
)

// SenseData is a decoded fixed-format sense buffer.
type SenseData struct {
	ResponseCode uint8
	Key          SenseKey
	ASC          uint8 // Additional sense code
	ASCQ         uint8 // Additional sense code qualifier
}

// minSenseLength covers everything up to and including the ASCQ byte.
const minSenseLength = 14

// ParseSenseData decodes a fixed-format sense buffer.
// Returns false if data is too short to hold ASC and ASCQ.
func ParseSenseData(data []byte, out *SenseData) bool {
	if len(data) < minSenseLength {
		return false
	}
	out.ResponseCode = data[0] & 0x7F
	out.Key = SenseKey(data[2] & 0x0F)
	out.ASC = data[12]
	out.ASCQ = data[13]
	return true
}

// MarshalTo writes the sense data in fixed format to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *SenseData) MarshalTo(buf []byte) int {
	if len(buf) < SenseDataSize {
		return 0
	}
	clear(buf[:SenseDataSize])
	buf[0] = s.ResponseCode
	if buf[0] == 0 {
		buf[0] = 0x70
	}
	buf[2] = uint8(s.Key)
	buf[7] = SenseDataSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ
	return SenseDataSize
}

// Description returns the standard text for the ASC/ASCQ pair, falling back
// to the text for the ASC alone, and finally to a hex rendering.
func (s *SenseData) Description() string {
	if d, ok := senseDescriptions[[2]uint8{s.ASC, s.ASCQ}]; ok {
		return d
	}
	if d, ok := senseDescriptions[[2]uint8{s.ASC, 0}]; ok {
		return d
	}
	return fmt.Sprintf("asc 0x%02x ascq 0x%02x", s.ASC, s.ASCQ)
}

// String implements fmt.Stringer.
func (s SenseData) String() string {
	return fmt.Sprintf("%s: %s", s.Key, s.Description())
}

// Verdict is the outcome of interpreting one sense buffer. When Changed is
// false the current DeviceState must be left as is and Diagnostic explains
// why.
type Verdict struct {
	State      DeviceState
	Changed    bool
	Diagnostic string
}

// Apply returns the state that results from applying v to current.
func (v Verdict) Apply(current DeviceState) DeviceState {
	if v.Changed {
		return v.State
	}
	return current
}

// InterpretSense maps a sense buffer to a device state verdict. It never
// panics; unrecognized or truncated input leaves the state unchanged.
//
// A zero sense key means Ready even if a stale additional code is present.
func InterpretSense(sense []byte) Verdict {
	var sd SenseData
	if !ParseSenseData(sense, &sd) {
		return Verdict{Diagnostic: fmt.Sprintf("sense data truncated (%d bytes)", len(sense))}
	}

	if sd.Key == SenseNoSense {
		return Verdict{State: StateReady, Changed: true}
	}

	switch sd.ASC {
	case ASCMediumMayChange, ASCNotReady:
		return Verdict{State: StateNotReady, Changed: true}
	case ASCMediumNotPresent:
		return Verdict{State: StateNoMedia, Changed: true}
	case ASCLUNNotSupported:
		return Verdict{Diagnostic: "logical unit not supported"}
	default:
		return Verdict{Diagnostic: "unhandled sense " + sd.String()}
	}
}

var senseDescriptions = map[[2]uint8]string{
	{0x00, 0x00}: "No additional sense information",
	{0x00, 0x06}: "I/O process terminated",
	{0x01, 0x00}: "No index/sector signal",
	{0x02, 0x00}: "No seek complete",
	{0x03, 0x00}: "Peripheral device write fault",
	{0x04, 0x00}: "Logical unit not ready, cause not reportable",
	{0x04, 0x01}: "Logical unit in process of becoming ready",
	{0x04, 0x02}: "Logical unit not ready, initializing command required",
	{0x04, 0x03}: "Logical unit not ready, manual intervention required",
	{0x04, 0x04}: "Logical unit not ready, format in progress",
	{0x05, 0x00}: "Logical unit does not respond to selection",
	{0x08, 0x00}: "Logical unit communication failure",
	{0x08, 0x01}: "Logical unit communication time-out",
	{0x08, 0x02}: "Logical unit communication parity error",
	{0x0C, 0x00}: "Write error",
	{0x0C, 0x01}: "Write error recovered with auto reallocation",
	{0x0C, 0x02}: "Write error auto reallocation failed",
	{0x10, 0x00}: "ID CRC or ECC error",
	{0x11, 0x00}: "Unrecovered read error",
	{0x11, 0x01}: "Read retries exhausted",
	{0x11, 0x02}: "Error too long to correct",
	{0x11, 0x03}: "Multiple read errors",
	{0x11, 0x08}: "Incomplete block read",
	{0x14, 0x00}: "Recorded entity not found",
	{0x14, 0x01}: "Record not found",
	{0x15, 0x00}: "Random positioning error",
	{0x17, 0x00}: "Recovered data with no error correction applied",
	{0x17, 0x01}: "Recovered data with retries",
	{0x18, 0x00}: "Recovered data with error correction applied",
	{0x1A, 0x00}: "Parameter list length error",
	{0x20, 0x00}: "Invalid command operation code",
	{0x21, 0x00}: "Logical block address out of range",
	{0x24, 0x00}: "Invalid field in CDB",
	{0x25, 0x00}: "Logical unit not supported",
	{0x26, 0x00}: "Invalid field in parameter list",
	{0x27, 0x00}: "Write protected",
	{0x28, 0x00}: "Not ready to ready transition (medium may have changed)",
	{0x29, 0x00}: "Power on, reset, or bus device reset occurred",
	{0x2A, 0x00}: "Parameters changed",
	{0x2C, 0x00}: "Command sequence error",
	{0x30, 0x00}: "Incompatible medium installed",
	{0x30, 0x01}: "Cannot read medium, unknown format",
	{0x30, 0x02}: "Cannot read medium, incompatible format",
	{0x31, 0x00}: "Medium format corrupted",
	{0x32, 0x00}: "No defect spare location available",
	{0x3A, 0x00}: "Medium not present",
	{0x3D, 0x00}: "Invalid bits in identify message",
	{0x3E, 0x00}: "Logical unit has not self-configured yet",
	{0x3F, 0x00}: "Target operating conditions have changed",
	{0x3F, 0x03}: "Inquiry data has changed",
	{0x40, 0x00}: "RAM failure",
	{0x41, 0x00}: "Data path failure",
	{0x42, 0x00}: "Power-on or self-test failure",
	{0x44, 0x00}: "Internal target failure",
	{0x47, 0x00}: "SCSI parity error",
	{0x4A, 0x00}: "Command phase error",
	{0x4B, 0x00}: "Data phase error",
	{0x4C, 0x00}: "Logical unit failed self-configuration",
	{0x53, 0x00}: "Media load or eject failed",
	{0x53, 0x02}: "Medium removal prevented",
	{0x55, 0x00}: "System resource failure",
	{0x5A, 0x01}: "Operator medium removal request",
	{0x5D, 0x00}: "Failure prediction threshold exceeded",
}
