package msc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// Driver serves one bulk-only mass storage interface. It owns the bulk pipes
// and the logical units of the device; the Transport is shared with whoever
// enumerated the device.
type Driver struct {
	transport hal.Transport
	registry  Registry
	config    Config

	// lock serializes commands. It also guards tag, the pipe toggles and
	// writes to units.
	lock    *semaphore.Weighted
	tag     uint32
	bulkIn  hal.Pipe
	bulkOut hal.Pipe

	mutex       sync.RWMutex
	units       lunSet
	maxLUN      uint8
	cursor      int
	installed   bool
	deinstalled bool
}

// New creates a driver for the interface described by m. A nil registry
// discards all notifications.
func New(t hal.Transport, m Match, reg Registry, cfg Config) (*Driver, error) {
	if m.Kind != BulkOnlySCSI {
		return nil, ErrNotMassStorage
	}
	if t == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "nil transport")
	}
	if reg == nil {
		reg = nopRegistry{}
	}

	cfg = cfg.withDefaults()
	cfg.Interface = m.Interface.Number

	return &Driver{
		transport: t,
		registry:  reg,
		config:    cfg,
		lock:      semaphore.NewWeighted(1),
		bulkIn:    hal.NewPipe(m.BulkIn),
		bulkOut:   hal.NewPipe(m.BulkOut),
	}, nil
}

// Config returns the effective configuration.
func (d *Driver) Config() Config { return d.config }

// MaxLUN returns the highest logical unit number in use.
func (d *Driver) MaxLUN() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.maxLUN
}

// Units returns the logical units in LUN order.
func (d *Driver) Units() []*LogicalUnit {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.units.all()
}

// Unit returns logical unit lun.
func (d *Driver) Unit(lun uint8) (*LogicalUnit, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.deinstalled {
		return nil, ErrDeinstalled
	}
	return d.units.get(lun)
}

// Devices returns the exposed block devices in LUN order.
func (d *Driver) Devices() []*BlockDevice {
	units := d.Units()
	devs := make([]*BlockDevice, len(units))
	for i, u := range units {
		devs[i] = u.dev
	}
	return devs
}

func (d *Driver) isDeinstalled() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.deinstalled
}

// Install discovers the logical units, resets and identifies each one, and
// registers one block device per unit.
func (d *Driver) Install(ctx context.Context) error {
	d.mutex.RLock()
	installed, deinstalled := d.installed, d.deinstalled
	d.mutex.RUnlock()
	if deinstalled {
		return ErrDeinstalled
	}
	if installed {
		return nil
	}

	if err := d.acquire(ctx); err != nil {
		return err
	}
	maxLUN := d.queryMaxLUN(ctx)
	d.bulkIn.ResetToggle()
	d.bulkOut.ResetToggle()

	start := d.config.Clock().Add(d.config.InitialPollDelay)
	units := make([]*LogicalUnit, int(maxLUN)+1)
	for i := range units {
		name := d.config.Name
		if maxLUN > 0 {
			name = fmt.Sprintf(lunNameSuffixFormat, name, i)
		}
		first := start.Add(d.config.PollStagger * time.Duration(i))
		units[i] = newLogicalUnit(d, uint8(i), name, first)
	}

	d.mutex.Lock()
	d.units = lunSet{units: units}
	d.maxLUN = maxLUN
	d.cursor = 0
	d.installed = true
	d.mutex.Unlock()
	d.lock.Release(1)

	pkg.LogInfo(pkg.ComponentLUN, "installing", "name", d.config.Name, "max_lun", maxLUN)

	for _, u := range units {
		d.resetUnit(ctx, u)
	}
	for _, u := range units {
		if err := d.registry.AddRoot(u.dev); err != nil {
			pkg.LogWarn(pkg.ComponentRegistry, "add root failed", "device", u.dev.name, "error", err)
		}
	}
	return nil
}

// queryMaxLUN issues GET MAX LUN. Devices that stall or fail it have a
// single unit. The caller holds the lock.
func (d *Driver) queryMaxLUN(ctx context.Context) uint8 {
	var buf [1]byte
	setup := getMaxLUNRequest(d.config.Interface)
	n, err := d.transport.ControlTransfer(context.WithoutCancel(ctx), &setup, buf[:])
	if err != nil || n < 1 {
		pkg.LogDebug(pkg.ComponentLUN, "get max lun unsupported", "error", err)
		return 0
	}

	maxLUN := buf[0]
	if int(maxLUN) >= d.config.MaxLUNs {
		pkg.LogWarn(pkg.ComponentLUN, "max lun clamped", "reported", maxLUN, "limit", d.config.MaxLUNs-1)
		maxLUN = uint8(d.config.MaxLUNs - 1)
	}
	return maxLUN
}

// resetUnit brings a unit to a known state: LUN 0 resets the device, then
// the unit is identified and its sense data primes the state.
func (d *Driver) resetUnit(ctx context.Context, u *LogicalUnit) {
	if u.index == 0 {
		if err := d.Reset(ctx); err != nil {
			pkg.LogWarn(pkg.ComponentLUN, "device reset failed", "error", err)
		}
	}
	u.setState(StateUnknown)

	if _, err := u.Inquiry(ctx); err != nil {
		pkg.LogWarn(pkg.ComponentLUN, "unit out of service", "lun", u.index, "error", err)
		return
	}
	if _, err := u.RequestSense(ctx); err != nil {
		pkg.LogDebug(pkg.ComponentLUN, "initial sense failed", "lun", u.index, "error", err)
	}
}

// Deinstall withdraws every block device and destroys the logical units.
// It waits for a command in flight to finish. Later calls on the driver
// fail with ErrDeinstalled.
func (d *Driver) Deinstall() {
	d.mutex.Lock()
	if d.deinstalled {
		d.mutex.Unlock()
		return
	}
	d.deinstalled = true
	d.mutex.Unlock()

	// Wait out the command in flight. Acquire fails only once its context
	// is done, which Background never is.
	_ = d.lock.Acquire(context.Background(), 1)
	defer d.lock.Release(1)

	d.mutex.Lock()
	units := d.units.all()
	d.units = lunSet{}
	d.mutex.Unlock()

	for _, u := range units {
		d.registry.RemoveRoot(u.dev)
		u.dev.detach()
	}
	pkg.LogInfo(pkg.ComponentLUN, "deinstalled", "name", d.config.Name, "units", len(units))
}

func (d *Driver) attach(u *LogicalUnit, blockSize uint32) {
	u.dev.attach(blockSize)
	d.registry.Notify(Event{
		Kind:      EventAttached,
		Name:      u.dev.name,
		LUN:       u.index,
		BlockSize: blockSize,
		State:     u.State(),
		Device:    u.dev,
	})
}

func (d *Driver) detach(u *LogicalUnit) {
	u.dev.detach()
	d.notify(u, EventDetached)
}

func (d *Driver) notify(u *LogicalUnit, kind EventKind) {
	d.registry.Notify(Event{
		Kind:   kind,
		Name:   u.dev.name,
		LUN:    u.index,
		State:  u.State(),
		Device: u.dev,
	})
}
