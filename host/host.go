package host

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/pkg"
)

// Host is the enumeration side of the mass storage stack. It owns the device
// slots and the bus current budget, installs a class driver for every mass
// storage device it is handed, and drives their poll schedulers.
//
// Host does not discover devices itself; a HAL package does that and calls
// Install with a ready transport.
type Host struct {
	config   Config
	registry msc.Registry

	mutex     sync.RWMutex
	slots     []*Device
	remaining int
}

// New creates a host whose drivers report to reg.
func New(reg msc.Registry, cfg Config) *Host {
	cfg = cfg.withDefaults()
	return &Host{
		config:    cfg,
		registry:  reg,
		slots:     make([]*Device, cfg.MaxDevices),
		remaining: cfg.BusCurrent,
	}
}

// Config returns the effective configuration.
func (h *Host) Config() Config { return h.config }

// Budget returns the bus current not yet charged to a device, in mA. It is
// negative after an overrun that was allowed.
func (h *Host) Budget() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.remaining
}

// Devices returns the installed devices in slot order.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return lo.Compact(h.slots)
}

// Device returns the device in slot, or nil.
func (h *Host) Device(slot int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if slot < 0 || slot >= len(h.slots) {
		return nil
	}
	return h.slots[slot]
}

// Poll runs one scheduler step on every installed driver. Drivers are
// independent devices and are polled concurrently; the first error is
// returned after all of them finished.
func (h *Host) Poll(ctx context.Context) error {
	devs := h.Devices()

	g, gctx := errgroup.WithContext(ctx)
	for _, dev := range devs {
		g.Go(func() error {
			err := dev.driver.Poll(gctx)
			if errors.Is(err, msc.ErrDeinstalled) {
				return nil
			}
			return errors.Wrap(err, dev.name)
		})
	}
	return g.Wait()
}

// Run polls every PollPeriod until ctx is done. Poll errors are logged.
func (h *Host) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.config.PollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := h.Poll(ctx); err != nil {
				pkg.LogWarn(pkg.ComponentHost, "poll failed", "error", err)
			}
		}
	}
}

// Close deinstalls every device.
func (h *Host) Close() error {
	var first error
	for _, dev := range h.Devices() {
		if err := h.Deinstall(dev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
