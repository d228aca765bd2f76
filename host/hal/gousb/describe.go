//go:build cgo

package gousb

import (
	"slices"

	usb "github.com/google/gousb"
	"github.com/samber/lo"

	"github.com/ardnew/usbstor/host/hal"
)

// describe converts the libusb view of a device into a hal.DeviceInfo for
// configuration cfgNum. A missing configuration yields no interfaces.
func describe(desc *usb.DeviceDesc, cfgNum int) hal.DeviceInfo {
	info := hal.DeviceInfo{
		Bus:         desc.Bus,
		Address:     uint8(desc.Address),
		VendorID:    uint16(desc.Vendor),
		ProductID:   uint16(desc.Product),
		DeviceClass: uint8(desc.Class),
	}

	cfg, ok := desc.Configs[cfgNum]
	if !ok {
		return info
	}
	info.MaxPower = int(cfg.MaxPower)

	for _, id := range cfg.Interfaces {
		for _, alt := range id.AltSettings {
			info.Interfaces = append(info.Interfaces, describeSetting(alt))
		}
	}
	return info
}

func describeSetting(s usb.InterfaceSetting) hal.InterfaceInfo {
	iface := hal.InterfaceInfo{
		Number:    uint8(s.Number),
		Alternate: uint8(s.Alternate),
		Class:     uint8(s.Class),
		SubClass:  uint8(s.SubClass),
		Protocol:  uint8(s.Protocol),
	}

	addrs := lo.Keys(s.Endpoints)
	slices.Sort(addrs)
	iface.Endpoints = lo.Map(addrs, func(addr usb.EndpointAddress, _ int) hal.EndpointDescriptor {
		ep := s.Endpoints[addr]
		return hal.EndpointDescriptor{
			Address:       uint8(ep.Address),
			Attributes:    uint8(ep.TransferType),
			MaxPacketSize: uint16(ep.MaxPacketSize),
		}
	})
	return iface
}

// defaultConfig picks the configuration to describe before the device is
// opened: the lowest numbered one.
func defaultConfig(desc *usb.DeviceDesc) int {
	nums := lo.Keys(desc.Configs)
	if len(nums) == 0 {
		return 1
	}
	return slices.Min(nums)
}
