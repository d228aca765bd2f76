//go:build linux

package usbfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// Default locations of the USB trees.
const (
	SysfsRoot = "/sys/bus/usb/devices"
	DevfsRoot = "/dev/bus/usb"
)

// Device is a USB device found in sysfs.
type Device struct {
	SysPath string // e.g. /sys/bus/usb/devices/1-1.2
	DevPath string // e.g. /dev/bus/usb/001/005
	Info    hal.DeviceInfo
}

// Scan lists the devices under SysfsRoot.
func Scan() ([]Device, error) {
	return ScanDir(SysfsRoot, DevfsRoot)
}

// ScanDir lists the devices under sysRoot, naming their nodes under devRoot.
// Root hubs and entries that fail to parse are skipped.
func ScanDir(sysRoot, devRoot string) ([]Device, error) {
	entries, err := os.ReadDir(sysRoot)
	if err != nil {
		return nil, errors.Wrap(err, "scan usb devices")
	}

	var devices []Device
	for _, entry := range entries {
		name := entry.Name()
		// Root hubs are "usbN", interfaces are "B-P:C.I".
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		path := filepath.Join(sysRoot, name)
		info, err := parseDevice(path)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "skipping sysfs entry", "path", path, "error", err)
			continue
		}
		devices = append(devices, Device{
			SysPath: path,
			DevPath: devPath(devRoot, info.Bus, info.Address),
			Info:    info,
		})
	}
	return devices, nil
}

func devPath(root string, bus int, addr uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", root, bus, addr)
}

func parseDevice(path string) (hal.DeviceInfo, error) {
	var info hal.DeviceInfo

	bus, err := readDec(path, "busnum", 16)
	if err != nil {
		return info, err
	}
	addr, err := readDec(path, "devnum", 8)
	if err != nil {
		return info, err
	}
	info.Bus = int(bus)
	info.Address = uint8(addr)

	if v, err := readHex(path, "idVendor", 16); err == nil {
		info.VendorID = uint16(v)
	}
	if v, err := readHex(path, "idProduct", 16); err == nil {
		info.ProductID = uint16(v)
	}
	if v, err := readHex(path, "bDeviceClass", 8); err == nil {
		info.DeviceClass = uint8(v)
	}
	if s, err := readString(path, "bMaxPower"); err == nil {
		info.MaxPower, _ = strconv.Atoi(strings.TrimSuffix(s, "mA"))
	}
	info.Manufacturer, _ = readString(path, "manufacturer")
	info.Product, _ = readString(path, "product")
	info.Serial, _ = readString(path, "serial")

	info.Interfaces = scanInterfaces(path)
	return info, nil
}

// scanInterfaces reads the interfaces of the active configuration.
func scanInterfaces(devicePath string) []hal.InterfaceInfo {
	entries, err := os.ReadDir(devicePath)
	if err != nil {
		return nil
	}

	prefix := filepath.Base(devicePath) + ":"
	var ifaces []hal.InterfaceInfo
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		iface, err := parseInterface(filepath.Join(devicePath, entry.Name()))
		if err != nil {
			continue
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

func parseInterface(path string) (hal.InterfaceInfo, error) {
	var iface hal.InterfaceInfo

	num, err := readHex(path, "bInterfaceNumber", 8)
	if err != nil {
		return iface, err
	}
	iface.Number = uint8(num)

	if v, err := readDec(path, "bAlternateSetting", 8); err == nil {
		iface.Alternate = uint8(v)
	}
	if v, err := readHex(path, "bInterfaceClass", 8); err == nil {
		iface.Class = uint8(v)
	}
	if v, err := readHex(path, "bInterfaceSubClass", 8); err == nil {
		iface.SubClass = uint8(v)
	}
	if v, err := readHex(path, "bInterfaceProtocol", 8); err == nil {
		iface.Protocol = uint8(v)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return iface, nil
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "ep_") {
			continue
		}
		ep, err := parseEndpoint(filepath.Join(path, entry.Name()))
		if err != nil {
			continue
		}
		iface.Endpoints = append(iface.Endpoints, ep)
	}
	return iface, nil
}

func parseEndpoint(path string) (hal.EndpointDescriptor, error) {
	var ep hal.EndpointDescriptor

	addr, err := readHex(path, "bEndpointAddress", 8)
	if err != nil {
		return ep, err
	}
	ep.Address = uint8(addr)

	if v, err := readHex(path, "bmAttributes", 8); err == nil {
		ep.Attributes = uint8(v)
	}
	if v, err := readHex(path, "wMaxPacketSize", 16); err == nil {
		ep.MaxPacketSize = uint16(v)
	}
	if v, err := readHex(path, "bInterval", 8); err == nil {
		ep.Interval = uint8(v)
	}
	return ep, nil
}

func readString(dir, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readDec(dir, name string, bits int) (uint64, error) {
	s, err := readString(dir, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, bits)
	return v, errors.Wrapf(err, "%s/%s", filepath.Base(dir), name)
}

func readHex(dir, name string, bits int) (uint64, error) {
	s, err := readString(dir, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bits)
	return v, errors.Wrapf(err, "%s/%s", filepath.Base(dir), name)
}
