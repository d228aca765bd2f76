package msc

import (
	"testing"

	"github.com/ardnew/usbstor/host/hal"
)

func bulkEndpoints() []hal.EndpointDescriptor {
	return []hal.EndpointDescriptor{
		{Address: 0x83, Attributes: uint8(hal.TransferInterrupt), MaxPacketSize: 8},
		{Address: 0x81, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
		{Address: 0x02, Attributes: uint8(hal.TransferBulk), MaxPacketSize: 512},
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		info  hal.DeviceInfo
		want  Kind
		iface uint8
	}{
		{
			name: "scsi bulk-only",
			info: hal.DeviceInfo{Interfaces: []hal.InterfaceInfo{
				{Number: 0, Class: ClassMSC, SubClass: SubclassSCSI, Protocol: ProtocolBulkOnly, Endpoints: bulkEndpoints()},
			}},
			want: BulkOnlySCSI,
		},
		{
			name: "ufi bulk-only on second interface",
			info: hal.DeviceInfo{DeviceClass: ClassMSC, Interfaces: []hal.InterfaceInfo{
				{Number: 0, Class: 0x03},
				{Number: 1, Class: ClassMSC, SubClass: SubclassUFI, Protocol: ProtocolBulkOnly, Endpoints: bulkEndpoints()},
			}},
			want:  BulkOnlySCSI,
			iface: 1,
		},
		{
			name: "cbi protocol",
			info: hal.DeviceInfo{Interfaces: []hal.InterfaceInfo{
				{Class: ClassMSC, SubClass: SubclassUFI, Protocol: ProtocolCBI, Endpoints: bulkEndpoints()},
			}},
			want: NotMassStorage,
		},
		{
			name: "uas protocol",
			info: hal.DeviceInfo{Interfaces: []hal.InterfaceInfo{
				{Class: ClassMSC, SubClass: SubclassSCSI, Protocol: ProtocolUAS, Endpoints: bulkEndpoints()},
			}},
			want: NotMassStorage,
		},
		{
			name: "mmc subclass",
			info: hal.DeviceInfo{Interfaces: []hal.InterfaceInfo{
				{Class: ClassMSC, SubClass: SubclassMMC5, Protocol: ProtocolBulkOnly, Endpoints: bulkEndpoints()},
			}},
			want: NotMassStorage,
		},
		{
			name: "vendor device class",
			info: hal.DeviceInfo{DeviceClass: 0xFF, Interfaces: []hal.InterfaceInfo{
				{Class: ClassMSC, SubClass: SubclassSCSI, Protocol: ProtocolBulkOnly, Endpoints: bulkEndpoints()},
			}},
			want: NotMassStorage,
		},
		{
			name: "missing bulk out",
			info: hal.DeviceInfo{Interfaces: []hal.InterfaceInfo{
				{Class: ClassMSC, SubClass: SubclassSCSI, Protocol: ProtocolBulkOnly, Endpoints: bulkEndpoints()[:2]},
			}},
			want: NotMassStorage,
		},
		{
			name: "no interfaces",
			want: NotMassStorage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Classify(tt.info)
			if m.Kind != tt.want {
				t.Fatalf("Classify().Kind = %v, want %v", m.Kind, tt.want)
			}
			if m.Kind != BulkOnlySCSI {
				return
			}
			if m.Interface.Number != tt.iface {
				t.Errorf("Interface.Number = %d, want %d", m.Interface.Number, tt.iface)
			}
			if m.BulkIn.Address != 0x81 {
				t.Errorf("BulkIn.Address = %#x, want 0x81", m.BulkIn.Address)
			}
			if m.BulkOut.Address != 0x02 {
				t.Errorf("BulkOut.Address = %#x, want 0x02", m.BulkOut.Address)
			}
		})
	}
}

func TestNew_NotMassStorage(t *testing.T) {
	if _, err := New(nil, Match{}, nil, DefaultConfig()); err != ErrNotMassStorage {
		t.Errorf("New() error = %v, want %v", err, ErrNotMassStorage)
	}
}
