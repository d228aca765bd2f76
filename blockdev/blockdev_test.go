package blockdev_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/ardnew/usbstor/blockdev"
	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/host/class/msc/msctest"
)

// Same geometry as a small FAT16 super-floppy.
const (
	testBlocks    = 16800
	testBlockSize = 512
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	reg     *blockdev.Registry
	drv     *msc.Driver
	storage *msctest.MemoryStorage
	clock   *clock
}

// newFixture installs a driver for one emulated stick and polls until its
// media is attached.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := msctest.NewMemoryStorage(testBlocks, testBlockSize)
	st.SetRemovable(true)
	emu := msctest.New(&msctest.Unit{Storage: st, Vendor: "ACME", Product: "Stick"})

	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := msc.DefaultConfig()
	cfg.Clock = clk.Now

	reg := blockdev.NewRegistry()
	drv, err := msc.New(emu, msc.Classify(emu.Info()), reg, cfg)
	if err != nil {
		t.Fatalf("msc.New() error = %v", err)
	}
	if err := drv.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	t.Cleanup(drv.Deinstall)

	f := &fixture{reg: reg, drv: drv, storage: st, clock: clk}
	f.pollUntil(t, func() bool { return len(reg.Attached()) == 1 })
	return f
}

func (f *fixture) pollUntil(t *testing.T, cond func() bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if cond() {
			return
		}
		f.clock.Advance(10 * time.Millisecond)
		_ = f.drv.Poll(context.Background())
	}
	t.Fatal("condition not reached")
}

// =============================================================================
// Registry Tests
// =============================================================================

func TestRegistry_Roots(t *testing.T) {
	f := newFixture(t)

	if diff := cmp.Diff([]string{"Usb0"}, f.reg.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	dev, err := f.reg.Lookup("Usb0")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if dev.DisplayName() != "ACME Stick" {
		t.Errorf("DisplayName() = %q, want %q", dev.DisplayName(), "ACME Stick")
	}
	if err := f.reg.AddRoot(dev); !errors.Is(err, blockdev.ErrExists) {
		t.Errorf("duplicate AddRoot() error = %v, want ErrExists", err)
	}
	if _, err := f.reg.Lookup("Usb9"); !errors.Is(err, blockdev.ErrNotFound) {
		t.Errorf("Lookup(Usb9) error = %v, want ErrNotFound", err)
	}

	f.drv.Deinstall()
	if names := f.reg.Names(); len(names) != 0 {
		t.Errorf("Names() after Deinstall = %v, want none", names)
	}
}

func TestRegistry_Subscribe(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.reg.Subscribe(8)
	defer cancel()

	f.storage.SetPresent(false)
	f.pollUntil(t, func() bool { return len(f.reg.Attached()) == 0 })

	var kinds []msc.EventKind
	for len(events) > 0 {
		kinds = append(kinds, (<-events).Kind)
	}
	want := []msc.EventKind{msc.EventMediaRemoved, msc.EventDetached, msc.EventUpdated}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("channel open after cancel")
	}
	cancel()
}

// =============================================================================
// Disk Tests
// =============================================================================

func TestDisk_Geometry(t *testing.T) {
	f := newFixture(t)
	disk, err := f.reg.OpenDisk(context.Background(), "Usb0")
	if err != nil {
		t.Fatalf("OpenDisk() error = %v", err)
	}
	if disk.SectorSize() != testBlockSize {
		t.Errorf("SectorSize() = %d, want %d", disk.SectorSize(), testBlockSize)
	}
	if disk.Len() != testBlocks*testBlockSize {
		t.Errorf("Len() = %d, want %d", disk.Len(), testBlocks*testBlockSize)
	}
}

func TestDisk_UnalignedIO(t *testing.T) {
	f := newFixture(t)
	disk, err := f.reg.OpenDisk(context.Background(), "Usb0")
	if err != nil {
		t.Fatalf("OpenDisk() error = %v", err)
	}

	data := bytes.Repeat([]byte("usbstor!"), 300) // 2400 bytes over 6 blocks
	const off = 1000
	n, err := disk.WriteAt(data, off)
	if err != nil || n != len(data) {
		t.Fatalf("WriteAt() = %d, %v", n, err)
	}

	raw := f.storage.Bytes()
	if !bytes.Equal(raw[off:off+len(data)], data) {
		t.Error("storage does not hold the written bytes")
	}
	if raw[off-1] != 0 || raw[off+len(data)] != 0 {
		t.Error("WriteAt() touched bytes outside the range")
	}

	got := make([]byte, len(data))
	if n, err := disk.ReadAt(got, off); err != nil || n != len(data) {
		t.Fatalf("ReadAt() = %d, %v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Error("ReadAt() returned different data")
	}
}

func TestDisk_Bounds(t *testing.T) {
	f := newFixture(t)
	disk, err := f.reg.OpenDisk(context.Background(), "Usb0")
	if err != nil {
		t.Fatalf("OpenDisk() error = %v", err)
	}

	buf := make([]byte, 1024)
	n, err := disk.ReadAt(buf, disk.Len()-512)
	if n != 512 || err == nil {
		t.Errorf("ReadAt(tail) = %d, %v; want 512, EOF", n, err)
	}
	if _, err := disk.WriteAt(buf, disk.Len()-512); err == nil {
		t.Error("WriteAt() past the end succeeded")
	}
	if _, err := disk.ReadAt(buf, -1); err == nil {
		t.Error("ReadAt(-1) succeeded")
	}
}

func TestOpenDisk_NoMedia(t *testing.T) {
	f := newFixture(t)
	f.storage.SetPresent(false)
	f.pollUntil(t, func() bool { return len(f.reg.Attached()) == 0 })

	if _, err := f.reg.OpenDisk(context.Background(), "Usb0"); !errors.Is(err, msc.ErrNotReady) {
		t.Errorf("OpenDisk() error = %v, want ErrNotReady", err)
	}
}

// =============================================================================
// FAT Tests
// =============================================================================

func TestFormatProbe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.reg.Format(ctx, "Usb0", "USBSTOR"); err != nil {
		t.Fatalf("Format() error = %v", err)
	}

	vol, err := f.reg.Probe(ctx, "Usb0")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if vol.Size != testBlocks*testBlockSize || vol.SectorSize != testBlockSize {
		t.Errorf("Probe() geometry = %d/%d", vol.Size, vol.SectorSize)
	}

	if err := f.reg.WriteFile(ctx, "Usb0", "HELLO.TXT", []byte("hello, stick\n")); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	vol, err = f.reg.Probe(ctx, "Usb0")
	if err != nil {
		t.Fatalf("Probe() after write error = %v", err)
	}
	found := false
	for _, e := range vol.Root {
		if e.Name == "HELLO.TXT" && !e.IsDir {
			found = true
		}
	}
	if !found {
		t.Errorf("Probe().Root = %+v, want HELLO.TXT", vol.Root)
	}
}
