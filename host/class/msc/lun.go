package msc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/pkg"
)

// DeviceState is the media state of a logical unit.
type DeviceState uint8

// Device states.
const (
	StateUnknown DeviceState = iota
	StateNotReady
	StateNoMedia
	StateReady
	StateError
)

// String returns the state name.
func (s DeviceState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateNotReady:
		return "not ready"
	case StateNoMedia:
		return "no media"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("DeviceState(%d)", uint8(s))
	}
}

// LogicalUnit is one LUN of a bulk-only device. Its state and geometry are
// changed only by commands issued through the owning Driver.
type LogicalUnit struct {
	driver *Driver
	index  uint8
	dev    *BlockDevice

	mutex       sync.RWMutex
	state       DeviceState
	initialized bool
	removable   bool
	mediaSeen   bool
	blockSize   uint32
	capacity    uint64
	lastPoll    time.Time
	inquiry     InquiryData
}

func newLogicalUnit(d *Driver, index uint8, name string, firstPoll time.Time) *LogicalUnit {
	u := &LogicalUnit{
		driver:   d,
		index:    index,
		lastPoll: firstPoll,
	}
	u.dev = &BlockDevice{unit: u, name: name}
	return u
}

// Index returns the logical unit number.
func (u *LogicalUnit) Index() uint8 { return u.index }

// Device returns the block device exposed for this unit.
func (u *LogicalUnit) Device() *BlockDevice { return u.dev }

// State returns the current device state.
func (u *LogicalUnit) State() DeviceState {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.state
}

// Initialized reports whether INQUIRY succeeded.
func (u *LogicalUnit) Initialized() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.initialized
}

// Removable reports the RMB bit from INQUIRY.
func (u *LogicalUnit) Removable() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.removable
}

// MediaSeen reports whether capacity was read since media last arrived.
func (u *LogicalUnit) MediaSeen() bool {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.mediaSeen
}

// Geometry returns the cached block count and block size.
func (u *LogicalUnit) Geometry() (blocks uint64, blockSize uint32) {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.capacity, u.blockSize
}

// Identity returns the INQUIRY data read at installation.
func (u *LogicalUnit) Identity() InquiryData {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.inquiry
}

// DisplayName returns "<vendor> <product>".
func (u *LogicalUnit) DisplayName() string {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return strings.TrimSpace(u.inquiry.Vendor + " " + u.inquiry.Product)
}

func (u *LogicalUnit) setState(s DeviceState) {
	u.mutex.Lock()
	old := u.state
	u.state = s
	u.mutex.Unlock()

	if old != s {
		pkg.LogDebug(pkg.ComponentLUN, "state changed",
			"lun", u.index, "from", old.String(), "to", s.String())
	}
}

func (u *LogicalUnit) applyVerdict(v Verdict) {
	if !v.Changed {
		pkg.LogWarn(pkg.ComponentLUN, v.Diagnostic, "lun", u.index)
		return
	}
	u.setState(v.State)
}

func (u *LogicalUnit) setMediaSeen(seen bool) {
	u.mutex.Lock()
	u.mediaSeen = seen
	u.mutex.Unlock()
}

func (u *LogicalUnit) lastPolled() time.Time {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	return u.lastPoll
}

func (u *LogicalUnit) markPolled(t time.Time) {
	u.mutex.Lock()
	u.lastPoll = t
	u.mutex.Unlock()
}

// ready checks the precondition of media access commands.
func (u *LogicalUnit) ready() error {
	u.mutex.RLock()
	defer u.mutex.RUnlock()
	if !u.initialized {
		return errors.Wrapf(ErrUninitialized, "lun %d", u.index)
	}
	if u.state != StateReady {
		return &NotReadyError{LUN: u.index, State: u.state}
	}
	return nil
}

// lunSet is the bounds-checked collection of a driver's logical units.
type lunSet struct {
	units []*LogicalUnit
}

func (s lunSet) len() int { return len(s.units) }

func (s lunSet) get(lun uint8) (*LogicalUnit, error) {
	if int(lun) >= len(s.units) {
		return nil, errors.Wrapf(ErrInvalidLUN, "lun %d of %d", lun, len(s.units))
	}
	return s.units[lun], nil
}

func (s lunSet) all() []*LogicalUnit {
	return append([]*LogicalUnit(nil), s.units...)
}
