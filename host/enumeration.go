package host

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// Install classifies the device described by info and, if it is bulk-only
// mass storage, installs a class driver on t in a free slot.
//
// The device is charged its declared bus current. An overrun is logged and,
// with Config.RejectOverBudget, refused. Installation is retried with a
// doubling delay until one logical unit answers INQUIRY or
// Config.InstallAttempts is used up.
func (h *Host) Install(ctx context.Context, t hal.Transport, info hal.DeviceInfo) (*Device, error) {
	m := msc.Classify(info)
	if m.Kind != msc.BulkOnlySCSI {
		return nil, errors.Wrapf(msc.ErrNotMassStorage, "device %04x:%04x", info.VendorID, info.ProductID)
	}

	dev, err := h.reserve(t, info)
	if err != nil {
		return nil, err
	}

	cfg := h.config.Driver
	cfg.Name = dev.name

	attempt := 0
	install := func() error {
		attempt++
		drv, err := msc.New(t, m, h.registry, cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := drv.Install(ctx); err != nil {
			drv.Deinstall()
			return err
		}
		if !lo.SomeBy(drv.Units(), (*msc.LogicalUnit).Initialized) {
			drv.Deinstall()
			return ErrUnidentified
		}
		dev.driver = drv
		return nil
	}
	notify := func(err error, wait time.Duration) {
		pkg.LogWarn(pkg.ComponentHost, "install failed, retrying",
			"device", dev.name, "attempt", attempt, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(install, h.installPolicy(ctx), notify); err != nil {
		h.release(dev)
		return nil, errors.Wrapf(err, "install %s after %d attempts", dev.name, attempt)
	}

	pkg.LogInfo(pkg.ComponentHost, "device installed",
		"device", dev.name, "slot", dev.slot,
		"vid", fmt.Sprintf("%04x", info.VendorID), "pid", fmt.Sprintf("%04x", info.ProductID),
		"luns", int(dev.driver.MaxLUN())+1, "power_ma", dev.power)
	return dev, nil
}

func (h *Host) installPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.config.InstallBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.config.InstallAttempts-1)), ctx)
}

// reserve takes a slot and charges the bus current budget.
func (h *Host) reserve(t hal.Transport, info hal.DeviceInfo) (*Device, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	slot := lo.IndexOf(h.slots, nil)
	if slot < 0 {
		return nil, ErrNoSlot
	}

	if info.MaxPower > h.remaining {
		pkg.LogWarn(pkg.ComponentHost, "bus current budget exceeded",
			"requested_ma", info.MaxPower, "remaining_ma", h.remaining,
			"reject", h.config.RejectOverBudget)
		if h.config.RejectOverBudget {
			return nil, errors.Wrapf(ErrOverBudget, "%d mA requested, %d mA left", info.MaxPower, h.remaining)
		}
	}

	dev := &Device{
		slot:      slot,
		name:      fmt.Sprintf(nameFormat, slot),
		info:      info,
		transport: t,
		power:     info.MaxPower,
	}
	h.slots[slot] = dev
	h.remaining -= dev.power
	return dev, nil
}

// release frees the slot and returns the device's current to the budget.
func (h *Host) release(dev *Device) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.slots[dev.slot] == dev {
		h.slots[dev.slot] = nil
		h.remaining += dev.power
	}
}

// Deinstall stops the driver of dev, withdraws its block devices, frees its
// slot and closes the transport if it is an io.Closer.
func (h *Host) Deinstall(dev *Device) error {
	h.mutex.RLock()
	owned := dev.slot < len(h.slots) && h.slots[dev.slot] == dev
	h.mutex.RUnlock()
	if !owned {
		return errors.Wrapf(pkg.ErrInvalidParameter, "%s is not installed", dev.name)
	}

	if dev.driver != nil {
		dev.driver.Deinstall()
	}
	h.release(dev)
	pkg.LogInfo(pkg.ComponentHost, "device removed", "device", dev.name, "slot", dev.slot)

	if c, ok := dev.transport.(io.Closer); ok {
		return errors.Wrapf(c.Close(), "close %s", dev.name)
	}
	return nil
}
