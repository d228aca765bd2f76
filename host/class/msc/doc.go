// Package msc implements the host side of the USB Mass Storage Class
// Bulk-Only Transport (BOT) with the SCSI transparent command set.
//
// A [Driver] serves one physical device. It runs commands over a pair of
// bulk pipes through a [hal.Transport], keeps one [LogicalUnit] per LUN, and
// exposes each unit as a [BlockDevice] to a [Registry].
//
// # Command Transport
//
// Every command runs three phases under a per-device lock:
//
//  1. Command - a 31-byte Command Block Wrapper (CBW) on the OUT pipe
//  2. Data - optional, on the pipe matching the direction
//  3. Status - a 13-byte Command Status Wrapper (CSW) on the IN pipe
//
// Transport faults end in reset recovery. A device that accepts the reset
// yields [ErrResetRecovered]; one that refuses it yields [ErrResetFailed].
// CHECK CONDITION is answered with REQUEST SENSE and reported as
// [ErrCheckCondition].
//
// # Device State
//
// Each unit is in one of the states [StateUnknown], [StateNotReady],
// [StateNoMedia], [StateReady] or [StateError]. Sense data drives the state
// through [InterpretSense]; READ CAPACITY, READ(10) and WRITE(10) refuse to
// run unless the unit is Ready.
//
// # Hot-plug Polling
//
// [Driver.Poll] checks one unit per call, round-robin. A unit is polled
// again once the interval for its state has passed. Media arrival reads the
// capacity and attaches the block device; removal detaches it. [Driver.Run]
// calls Poll periodically for embedders without their own scheduler.
//
// # Usage Example
//
//	m := msc.Classify(info)
//	if m.Kind != msc.BulkOnlySCSI {
//	    return msc.ErrNotMassStorage
//	}
//	drv, err := msc.New(transport, m, registry, msc.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if err := drv.Install(ctx); err != nil {
//	    return err
//	}
//	defer drv.Deinstall()
//	go drv.Run(ctx, 5*time.Millisecond)
package msc
