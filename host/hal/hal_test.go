package hal

import (
	"testing"
)

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	// Bulk-only GET_MAX_LUN on interface 0.
	data := []byte{0xA1, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}

	var setup SetupPacket
	if !ParseSetupPacket(data, &setup) {
		t.Fatal("ParseSetupPacket returned false")
	}

	if setup.RequestType != 0xA1 {
		t.Errorf("RequestType = 0x%02X, want 0xA1", setup.RequestType)
	}
	if setup.Request != 0xFE {
		t.Errorf("Request = 0x%02X, want 0xFE", setup.Request)
	}
	if setup.Length != 1 {
		t.Errorf("Length = %d, want 1", setup.Length)
	}
	if !setup.IsIn() {
		t.Error("IsIn() = false for device-to-host request")
	}
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	var setup SetupPacket
	if ParseSetupPacket([]byte{0x21, 0xFF, 0x00}, &setup) {
		t.Error("ParseSetupPacket should return false for short data")
	}
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeInterface,
		Request:     0xFF,
		Index:       2,
	}

	var buf [SetupPacketSize]byte
	if n := setup.MarshalTo(buf[:]); n != SetupPacketSize {
		t.Fatalf("MarshalTo returned %d, want %d", n, SetupPacketSize)
	}

	want := [SetupPacketSize]byte{0x21, 0xFF, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	if buf != want {
		t.Errorf("MarshalTo = % X, want % X", buf, want)
	}
	if setup.IsIn() {
		t.Error("IsIn() = true for host-to-device request")
	}
}

func TestSetupPacket_MarshalTo_TooSmall(t *testing.T) {
	setup := SetupPacket{}
	if n := setup.MarshalTo(make([]byte, 4)); n != 0 {
		t.Errorf("MarshalTo returned %d for small buffer, want 0", n)
	}
}

func TestClearHalt(t *testing.T) {
	setup := ClearHalt(0x82)

	var buf [SetupPacketSize]byte
	setup.MarshalTo(buf[:])

	want := [SetupPacketSize]byte{0x02, 0x01, 0x00, 0x00, 0x82, 0x00, 0x00, 0x00}
	if buf != want {
		t.Errorf("ClearHalt(0x82) = % X, want % X", buf, want)
	}
}

// =============================================================================
// Endpoint and Pipe Tests
// =============================================================================

func TestEndpointDescriptor(t *testing.T) {
	tests := []struct {
		name     string
		ep       EndpointDescriptor
		number   uint8
		in       bool
		transfer TransferType
	}{
		{"bulk in", EndpointDescriptor{Address: 0x82, Attributes: 0x02}, 2, true, TransferBulk},
		{"bulk out", EndpointDescriptor{Address: 0x01, Attributes: 0x02}, 1, false, TransferBulk},
		{"interrupt in", EndpointDescriptor{Address: 0x83, Attributes: 0x03}, 3, true, TransferInterrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ep.Number(); got != tt.number {
				t.Errorf("Number() = %d, want %d", got, tt.number)
			}
			if got := tt.ep.IsIn(); got != tt.in {
				t.Errorf("IsIn() = %v, want %v", got, tt.in)
			}
			if got := tt.ep.TransferType(); got != tt.transfer {
				t.Errorf("TransferType() = %d, want %d", got, tt.transfer)
			}
		})
	}
}

func TestPipe_ResetToggle(t *testing.T) {
	p := NewPipe(EndpointDescriptor{Address: 0x81, MaxPacketSize: 512})
	if p.Endpoint != 0x81 || p.MaxPacketSize != 512 {
		t.Fatalf("NewPipe = %+v", p)
	}
	if p.Toggle != 0 {
		t.Errorf("new pipe Toggle = %d, want 0", p.Toggle)
	}

	p.Toggle = 1
	p.ResetToggle()
	if p.Toggle != 0 {
		t.Errorf("Toggle after reset = %d, want 0", p.Toggle)
	}
}
