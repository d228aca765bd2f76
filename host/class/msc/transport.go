package msc

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/host/hal"
	"github.com/ardnew/usbstor/pkg"
)

// resetRequest is the class-specific Bulk-Only Mass Storage Reset.
func resetRequest(iface uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: hal.RequestTypeOut | hal.RequestTypeClass | hal.RequestTypeInterface,
		Request:     RequestBulkOnlyMassStorageReset,
		Index:       uint16(iface),
	}
}

// getMaxLUNRequest is the class-specific Get Max LUN request.
func getMaxLUNRequest(iface uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: hal.RequestTypeIn | hal.RequestTypeClass | hal.RequestTypeInterface,
		Request:     RequestGetMaxLUN,
		Index:       uint16(iface),
		Length:      1,
	}
}

// ExecCommand runs one bulk-only command on lun: the command block, an
// optional data phase over data in direction dir, and the status phase.
// It returns the number of data bytes moved.
//
// Commands on one Driver are serialized. If the lock is not obtained within
// Config.LockTimeout the call fails with pkg.ErrBusy. Once started, a command
// runs to completion; ctx only bounds the wait for the lock.
//
// A CHECK CONDITION status is answered with REQUEST SENSE, the sense data is
// applied to the logical unit and ErrCheckCondition is returned. Transport
// failures trigger reset recovery, which yields ErrResetRecovered on success
// and ErrResetFailed otherwise.
func (d *Driver) ExecCommand(ctx context.Context, lun uint8, cdb []byte, dir Direction, data []byte) (int, error) {
	var cbw CommandBlockWrapper
	if !NewCBW(0, lun, dir, uint32(len(data)), cdb, &cbw) {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "cdb length %d", len(cdb))
	}

	if err := d.acquire(ctx); err != nil {
		return 0, err
	}
	defer d.lock.Release(1)

	if d.isDeinstalled() {
		return 0, ErrDeinstalled
	}

	ctx = context.WithoutCancel(ctx)

	n, err := d.transact(ctx, &cbw, data)
	if errors.Is(err, ErrCheckCondition) {
		d.senseLocked(ctx, lun)
	}
	return n, err
}

// acquire takes the command lock, waiting at most Config.LockTimeout.
func (d *Driver) acquire(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, d.config.LockTimeout)
	defer cancel()

	if err := d.lock.Acquire(lctx, 1); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "device unavailable", "name", d.config.Name)
		return errors.Wrapf(pkg.ErrBusy, "%s: lock not acquired within %v", d.config.Name, d.config.LockTimeout)
	}
	return nil
}

// transact performs the three bulk-only phases. The caller holds the lock.
func (d *Driver) transact(ctx context.Context, cbw *CommandBlockWrapper, data []byte) (int, error) {
	d.tag++
	cbw.Tag = d.tag

	var block [CBWSize]byte
	cbw.MarshalTo(block[:])

	if pkg.LogEnabled(slog.LevelDebug) {
		pkg.LogDebug(pkg.ComponentTransport, "command",
			"lun", cbw.LUN, "tag", cbw.Tag, "cbw", hex.EncodeToString(block[:]))
	}

	if err := d.sendCommand(ctx, block[:]); err != nil {
		return 0, err
	}

	var (
		csw      CommandStatusWrapper
		n        int
		haveStat bool
	)
	if len(data) > 0 {
		n, haveStat = d.dataPhase(ctx, cbw.Direction(), data, &csw)
	}

	if !haveStat {
		if err := d.readStatus(ctx, &csw); err != nil {
			return n, d.resetRecovery(ctx, err)
		}
	} else if !csw.Valid() {
		return n, d.resetRecovery(ctx, errors.Wrapf(pkg.ErrProtocol,
			"invalid early status (signature %#08x)", csw.Signature))
	}

	if csw.Tag != cbw.Tag {
		return n, d.resetRecovery(ctx, errors.Wrapf(pkg.ErrProtocol,
			"status tag %d, want %d", csw.Tag, cbw.Tag))
	}

	switch csw.Status {
	case CSWStatusGood:
		return n, nil
	case CSWStatusFailed:
		return n, ErrCheckCondition
	default:
		return n, d.resetRecovery(ctx, errors.Wrap(pkg.ErrProtocol, "phase error"))
	}
}

// sendCommand writes the command block. If that fails the device may still
// be holding a status for an earlier command, so one status is drained and,
// if it reports success, the block is sent once more.
func (d *Driver) sendCommand(ctx context.Context, block []byte) error {
	n, err := d.transport.BulkOut(ctx, &d.bulkOut, block)
	if err == nil && n != len(block) {
		err = errors.Wrapf(pkg.ErrProtocol, "command block: sent %d of %d bytes", n, len(block))
	}
	if err == nil {
		return nil
	}

	pkg.LogWarn(pkg.ComponentTransport, "command block failed, resynchronizing", "error", err)

	var csw CommandStatusWrapper
	if serr := d.readStatus(ctx, &csw); serr != nil {
		return d.resetRecovery(ctx, errors.Wrapf(err, "resync: %v", serr))
	}
	if csw.Status != CSWStatusGood {
		return d.resetRecovery(ctx, errors.Wrapf(err, "resync status %d", csw.Status))
	}

	n, err = d.transport.BulkOut(ctx, &d.bulkOut, block)
	if err == nil && n != len(block) {
		err = errors.Wrapf(pkg.ErrProtocol, "command block resend: sent %d of %d bytes", n, len(block))
	}
	if err != nil {
		return d.resetRecovery(ctx, err)
	}
	return nil
}

// dataPhase moves data in dir. It reports whether a status wrapper arrived
// in place of IN data, in which case csw holds it.
func (d *Driver) dataPhase(ctx context.Context, dir Direction, data []byte, csw *CommandStatusWrapper) (int, bool) {
	if dir == DirectionOut {
		n, err := d.transport.BulkOut(ctx, &d.bulkOut, data)
		if err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "data out failed, clearing halt",
				"endpoint", d.bulkOut.Endpoint, "sent", n, "error", err)
			if uerr := d.transport.UnstallPipe(ctx, d.bulkOut.Endpoint); uerr != nil {
				pkg.LogWarn(pkg.ComponentTransport, "clear halt failed", "endpoint", d.bulkOut.Endpoint, "error", uerr)
			}
			d.bulkOut.ResetToggle()
		} else if n != len(data) {
			pkg.LogDebug(pkg.ComponentTransport, "short data out", "want", len(data), "sent", n)
		}
		return n, false
	}

	n, err := d.transport.BulkIn(ctx, &d.bulkIn, data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "data in failed, clearing halt",
			"endpoint", d.bulkIn.Endpoint, "error", err)
		if uerr := d.transport.UnstallPipe(ctx, d.bulkIn.Endpoint); uerr != nil {
			pkg.LogWarn(pkg.ComponentTransport, "clear halt failed", "endpoint", d.bulkIn.Endpoint, "error", uerr)
		}
		d.bulkIn.ResetToggle()
		return 0, false
	}

	if n != len(data) && n == CSWSize {
		pkg.LogDebug(pkg.ComponentTransport, "short data in, taking it as status",
			"want", len(data), "got", n)
		ParseCSW(data[:CSWSize], csw)
		return 0, true
	}
	return n, false
}

// readStatus receives and checks a status wrapper. The tag is left to the
// caller.
func (d *Driver) readStatus(ctx context.Context, csw *CommandStatusWrapper) error {
	var buf [CSWSize]byte
	n, err := d.transport.BulkIn(ctx, &d.bulkIn, buf[:])
	if err != nil {
		return errors.Wrap(err, "status")
	}
	if n != CSWSize || !ParseCSW(buf[:n], csw) {
		return errors.Wrapf(pkg.ErrProtocol, "status length %d", n)
	}
	if !csw.Valid() {
		return errors.Wrapf(pkg.ErrProtocol, "invalid status (signature %#08x, status %d)",
			csw.Signature, csw.Status)
	}
	return nil
}

// resetRecovery resets the device after a transport failure. It returns
// ErrResetRecovered when the device accepted the reset and ErrResetFailed
// when it did not.
func (d *Driver) resetRecovery(ctx context.Context, cause error) error {
	pkg.LogWarn(pkg.ComponentTransport, "performing reset recovery", "cause", cause)

	if err := d.resetLocked(ctx); err != nil {
		pkg.LogError(pkg.ComponentTransport, "reset failed", "error", err)
		return errors.Wrapf(ErrResetFailed, "%v", err)
	}
	return errors.Wrapf(ErrResetRecovered, "%v", cause)
}

// resetLocked sends the class reset and clears both bulk pipes.
func (d *Driver) resetLocked(ctx context.Context) error {
	setup := resetRequest(d.config.Interface)
	if _, err := d.transport.ControlTransfer(ctx, &setup, nil); err != nil {
		return err
	}

	for _, p := range []*hal.Pipe{&d.bulkIn, &d.bulkOut} {
		if err := d.transport.UnstallPipe(ctx, p.Endpoint); err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "clear halt after reset failed",
				"endpoint", p.Endpoint, "error", err)
		}
		p.ResetToggle()
	}
	return nil
}

// Reset issues a bulk-only reset outside of error recovery.
func (d *Driver) Reset(ctx context.Context) error {
	if err := d.acquire(ctx); err != nil {
		return err
	}
	defer d.lock.Release(1)

	if err := d.resetLocked(context.WithoutCancel(ctx)); err != nil {
		return errors.Wrapf(ErrResetFailed, "%v", err)
	}
	return nil
}

// senseLocked follows a CHECK CONDITION with REQUEST SENSE and applies the
// verdict to the logical unit. The caller holds the lock.
func (d *Driver) senseLocked(ctx context.Context, lun uint8) {
	var (
		sense [SenseDataSize]byte
		cbw   CommandBlockWrapper
	)
	cdb := requestSenseCDB(lun)
	NewCBW(0, lun, DirectionIn, SenseDataSize, cdb[:], &cbw)

	n, err := d.transact(ctx, &cbw, sense[:])
	if err != nil {
		pkg.LogWarn(pkg.ComponentSCSI, "request sense failed", "lun", lun, "error", err)
		return
	}

	u, err := d.units.get(lun)
	if err != nil {
		return
	}
	u.applyVerdict(InterpretSense(sense[:n]))
}
