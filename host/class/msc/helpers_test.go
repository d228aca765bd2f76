package msc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/class/msc/msctest"
)

// =============================================================================
// Test Doubles
// =============================================================================

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recorder is a Registry that keeps everything it is told.
type recorder struct {
	mu      sync.Mutex
	roots   []string
	removed []string
	events  []msc.Event
}

var _ msc.Registry = (*recorder)(nil)

func (r *recorder) AddRoot(dev *msc.BlockDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roots = append(r.roots, dev.Name())
	return nil
}

func (r *recorder) RemoveRoot(dev *msc.BlockDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, dev.Name())
}

func (r *recorder) Notify(ev msc.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) Events() []msc.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]msc.Event(nil), r.events...)
}

func (r *recorder) Count(kind msc.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// sizedStorage reports a geometry without backing data. Reads return zeros
// and writes are discarded.
type sizedStorage struct {
	blocks    uint64
	blockSize uint32
	mu        sync.Mutex
	present   bool
}

func newSizedStorage(blocks uint64, blockSize uint32) *sizedStorage {
	return &sizedStorage{blocks: blocks, blockSize: blockSize, present: true}
}

func (s *sizedStorage) BlockSize() uint32  { return s.blockSize }
func (s *sizedStorage) BlockCount() uint64 { return s.blocks }
func (s *sizedStorage) IsReadOnly() bool   { return false }
func (s *sizedStorage) IsRemovable() bool  { return true }

func (s *sizedStorage) IsPresent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

func (s *sizedStorage) SetPresent(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present = v
}

func (s *sizedStorage) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	clear(buf[:int(blocks)*int(s.blockSize)])
	return blocks, nil
}

func (s *sizedStorage) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	return blocks, nil
}

var _ msctest.Storage = (*sizedStorage)(nil)

// =============================================================================
// Rig
// =============================================================================

type rig struct {
	dev   *msctest.Device
	drv   *msc.Driver
	reg   *recorder
	clock *fakeClock
}

func testConfig(clock *fakeClock) msc.Config {
	cfg := msc.DefaultConfig()
	cfg.Clock = clock.Now
	cfg.LockTimeout = time.Second
	return cfg
}

// newRig installs a driver on an emulated device with the given units.
func newRig(t *testing.T, units ...*msctest.Unit) *rig {
	t.Helper()
	return newRigWith(t, msctest.New(units...), nil)
}

func newRigWith(t *testing.T, dev *msctest.Device, tweak func(*msc.Config)) *rig {
	t.Helper()

	clock := newFakeClock()
	cfg := testConfig(clock)
	if tweak != nil {
		tweak(&cfg)
	}

	reg := &recorder{}
	m := msc.Classify(dev.Info())
	drv, err := msc.New(dev, m, reg, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := drv.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	t.Cleanup(drv.Deinstall)

	return &rig{dev: dev, drv: drv, reg: reg, clock: clock}
}

func memUnit(blocks uint64) *msctest.Unit {
	st := msctest.NewMemoryStorage(blocks, 512)
	st.SetRemovable(true)
	return &msctest.Unit{Storage: st, Vendor: "ACME", Product: "Stick", Revision: "1.0"}
}

func (r *rig) unit(t *testing.T, lun uint8) *msc.LogicalUnit {
	t.Helper()
	u, err := r.drv.Unit(lun)
	if err != nil {
		t.Fatalf("Unit(%d) error = %v", lun, err)
	}
	return u
}

// pollUntil advances the clock in steps and polls until cond holds.
func (r *rig) pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		r.clock.Advance(10 * time.Millisecond)
		_ = r.drv.Poll(context.Background())
	}
	t.Fatal("condition not reached after 100 polls")
}

// makeReady polls LUN lun of a single-unit rig until its media is attached.
func (r *rig) makeReady(t *testing.T, lun uint8) *msc.LogicalUnit {
	t.Helper()
	u := r.unit(t, lun)
	r.pollUntil(t, func() bool { return u.State() == msc.StateReady && u.MediaSeen() })
	return u
}

func countOpcode(ops []uint8, op uint8) int {
	n := 0
	for _, o := range ops {
		if o == op {
			n++
		}
	}
	return n
}
