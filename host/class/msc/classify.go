package msc

import "github.com/ardnew/usbstor/host/hal"

// Kind is the outcome of classifying a device.
type Kind int

// Classification results.
const (
	NotMassStorage Kind = iota
	BulkOnlySCSI
)

// String returns the kind name.
func (k Kind) String() string {
	if k == BulkOnlySCSI {
		return "bulk-only scsi"
	}
	return "not mass storage"
}

// Match is the result of Classify. For BulkOnlySCSI it names the interface
// and its bulk endpoint pair.
type Match struct {
	Kind      Kind
	Interface hal.InterfaceInfo
	BulkIn    hal.EndpointDescriptor
	BulkOut   hal.EndpointDescriptor
}

// Classify reports whether info describes a device this package can drive.
// The device class must be mass storage or defined per interface, and one
// interface must speak bulk-only transport with a SCSI-compatible command
// set and own one bulk endpoint in each direction.
func Classify(info hal.DeviceInfo) Match {
	if info.DeviceClass != 0x00 && info.DeviceClass != ClassMSC {
		return Match{}
	}

	for _, iface := range info.Interfaces {
		if iface.Class != ClassMSC || iface.Protocol != ProtocolBulkOnly {
			continue
		}
		switch iface.SubClass {
		case SubclassSCSI, SubclassSFF, SubclassUFI:
		default:
			continue
		}

		m := Match{Interface: iface}
		var haveIn, haveOut bool
		for _, ep := range iface.Endpoints {
			if ep.TransferType() != hal.TransferBulk {
				continue
			}
			if ep.IsIn() && !haveIn {
				m.BulkIn, haveIn = ep, true
			} else if !ep.IsIn() && !haveOut {
				m.BulkOut, haveOut = ep, true
			}
		}
		if haveIn && haveOut {
			m.Kind = BulkOnlySCSI
			return m
		}
	}
	return Match{}
}
