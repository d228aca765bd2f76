package hal

import (
	"context"
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Request type bits (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// Standard requests used by transports.
const (
	RequestClearFeature = 0x01
	FeatureEndpointHalt = 0x00
)

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn returns true if the data stage runs device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestTypeIn != 0
}

// ClearHalt returns the CLEAR_FEATURE(ENDPOINT_HALT) request for endpoint.
func ClearHalt(endpoint uint8) SetupPacket {
	return SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// EndpointDescriptor describes an endpoint of a claimed interface.
type EndpointDescriptor struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// InterfaceInfo describes one alternate setting of an interface.
type InterfaceInfo struct {
	Number    uint8
	Alternate uint8
	Class     uint8
	SubClass  uint8
	Protocol  uint8
	Endpoints []EndpointDescriptor
}

// DeviceInfo is the subset of descriptor data that class drivers need to
// decide whether they can serve a device. It is filled in by whoever
// enumerated the device.
type DeviceInfo struct {
	Bus          int
	Address      uint8
	VendorID     uint16
	ProductID    uint16
	DeviceClass  uint8
	Manufacturer string
	Product      string
	Serial       string

	// MaxPower is the bus current drawn in the active configuration, in mA.
	MaxPower int

	// Interfaces of the active configuration.
	Interfaces []InterfaceInfo
}

// Pipe is a host-side bulk pipe: one endpoint plus the data toggle the host
// expects on its next packet. Controllers that track toggles in hardware or
// in the kernel may ignore Toggle, but must not rely on it being stale after
// a halt was cleared.
type Pipe struct {
	Endpoint      uint8
	MaxPacketSize uint16
	Toggle        uint8
}

// NewPipe returns a pipe for ep with its toggle reset.
func NewPipe(ep EndpointDescriptor) Pipe {
	return Pipe{Endpoint: ep.Address, MaxPacketSize: ep.MaxPacketSize}
}

// ResetToggle puts the pipe back to DATA0.
func (p *Pipe) ResetToggle() {
	p.Toggle = 0
}

// Transport is the per-device view of a host controller consumed by class
// drivers. A Transport is bound to one addressed device and its claimed
// interface.
//
// Transfer methods return the number of bytes moved. Failures are reported
// with the sentinel errors of package pkg (pkg.ErrStall, pkg.ErrTimeout,
// pkg.ErrNoDevice, ...), wrapped as the implementation sees fit.
//
// A Transport is not required to be safe for concurrent use; class drivers
// serialize access per device.
type Transport interface {
	// ControlTransfer performs a control transfer on the default pipe.
	// For IN requests data is filled with the response; for OUT requests
	// data holds the payload and may be nil.
	ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte) (int, error)

	// BulkOut sends data on the OUT pipe.
	BulkOut(ctx context.Context, pipe *Pipe, data []byte) (int, error)

	// BulkIn receives up to len(data) bytes on the IN pipe. A short packet
	// ends the transfer early.
	BulkIn(ctx context.Context, pipe *Pipe, data []byte) (int, error)

	// UnstallPipe clears a halt condition on the given endpoint.
	UnstallPipe(ctx context.Context, endpoint uint8) error
}
