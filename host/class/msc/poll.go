package msc

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/pkg"
)

// nextUnit returns the unit under the round-robin cursor and advances it.
func (d *Driver) nextUnit() *LogicalUnit {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.units.len() == 0 {
		return nil
	}
	u := d.units.units[d.cursor%d.units.len()]
	d.cursor = (d.cursor + 1) % d.units.len()
	return u
}

// Poll runs one scheduler step on one logical unit, taking the units in
// turn. A unit is skipped until the interval for its current state has
// passed since it was last polled.
//
// State changes surface as registry notifications, never as errors. Poll
// returns an error only when the device failed to answer TEST UNIT READY.
func (d *Driver) Poll(ctx context.Context) error {
	if d.isDeinstalled() {
		return ErrDeinstalled
	}

	u := d.nextUnit()
	if u == nil {
		return nil
	}

	now := d.config.Clock()
	old := u.State()
	if now.Sub(u.lastPolled()) < d.config.PollIntervals.For(old) {
		return nil
	}
	u.markPolled(now)

	if !u.Initialized() {
		return nil
	}

	if err := u.TestUnitReady(ctx); err != nil {
		pkg.LogDebug(pkg.ComponentPoll, "test unit ready failed", "lun", u.index, "error", err)
		return err
	}

	state := u.State()
	if u.MediaSeen() && state == StateNoMedia {
		u.setMediaSeen(false)
		pkg.LogInfo(pkg.ComponentPoll, "media removed", "device", u.dev.name)
		d.notify(u, EventMediaRemoved)
		d.detach(u)
	}

	if state == StateReady && !u.MediaSeen() {
		_, blockSize, err := u.ReadCapacity(ctx)
		if err != nil {
			pkg.LogWarn(pkg.ComponentPoll, "capacity unavailable", "device", u.dev.name, "error", err)
			u.setState(StateError)
		} else {
			pkg.LogInfo(pkg.ComponentPoll, "media attached", "device", u.dev.name, "block_size", blockSize)
			d.attach(u, blockSize)
			u.setMediaSeen(true)
		}
	}

	if state = u.State(); state != old {
		d.notify(u, EventUpdated)
	}
	return nil
}

// Run calls Poll every period until ctx is done or the driver is
// deinstalled. Poll errors are logged and do not stop the loop.
func (d *Driver) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultRunPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := d.Poll(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrDeinstalled):
				return err
			default:
				pkg.LogWarn(pkg.ComponentPoll, "poll failed", "name", d.config.Name, "error", err)
			}
		}
	}
}
