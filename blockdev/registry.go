package blockdev

import (
	"context"
	"slices"
	"sync"

	"github.com/mitchellh/go-fs"
	"github.com/mitchellh/go-fs/fat"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ardnew/usbstor/host/class/msc"
	"github.com/ardnew/usbstor/pkg"
)

// Registry tracks the block devices of every installed driver by exposed
// name. It is safe for concurrent use.
type Registry struct {
	mutex sync.RWMutex
	roots map[string]*msc.BlockDevice
	subs  map[int]chan msc.Event
	next  int
}

var _ msc.Registry = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		roots: make(map[string]*msc.BlockDevice),
		subs:  make(map[int]chan msc.Event),
	}
}

// AddRoot implements msc.Registry.
func (r *Registry) AddRoot(dev *msc.BlockDevice) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.roots[dev.Name()]; ok {
		return errors.Wrap(ErrExists, dev.Name())
	}
	r.roots[dev.Name()] = dev
	pkg.LogInfo(pkg.ComponentRegistry, "root added", "device", dev.Name(), "display", dev.DisplayName())
	return nil
}

// RemoveRoot implements msc.Registry.
func (r *Registry) RemoveRoot(dev *msc.BlockDevice) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.roots[dev.Name()] == dev {
		delete(r.roots, dev.Name())
		pkg.LogInfo(pkg.ComponentRegistry, "root removed", "device", dev.Name())
	}
}

// Notify implements msc.Registry. Events are offered to every subscriber;
// a subscriber whose buffer is full misses the event.
func (r *Registry) Notify(ev msc.Event) {
	pkg.LogDebug(pkg.ComponentRegistry, "event",
		"kind", ev.Kind, "device", ev.Name, "state", ev.State, "block_size", ev.BlockSize)

	r.mutex.RLock()
	defer r.mutex.RUnlock()
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			pkg.LogWarn(pkg.ComponentRegistry, "subscriber lagging, event dropped",
				"subscriber", id, "kind", ev.Kind, "device", ev.Name)
		}
	}
}

// Subscribe returns a channel receiving every later event and a function
// that ends the subscription and closes the channel.
func (r *Registry) Subscribe(buffer int) (<-chan msc.Event, func()) {
	ch := make(chan msc.Event, buffer)

	r.mutex.Lock()
	id := r.next
	r.next++
	r.subs[id] = ch
	r.mutex.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mutex.Lock()
			delete(r.subs, id)
			r.mutex.Unlock()
			close(ch)
		})
	}
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := lo.Keys(r.roots)
	slices.Sort(names)
	return names
}

// Lookup returns the device registered under name.
func (r *Registry) Lookup(name string) (*msc.BlockDevice, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	dev, ok := r.roots[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return dev, nil
}

// Attached returns the devices that currently have media, by name.
func (r *Registry) Attached() []*msc.BlockDevice {
	names := r.Names()

	r.mutex.RLock()
	defer r.mutex.RUnlock()
	devs := lo.FilterMap(names, func(name string, _ int) (*msc.BlockDevice, bool) {
		dev, ok := r.roots[name]
		return dev, ok && dev.Attached()
	})
	return devs
}

// Entry is one directory entry of a probed volume.
type Entry struct {
	Name  string
	IsDir bool
}

// Volume is the result of Probe.
type Volume struct {
	Device     string
	SectorSize int
	Size       int64
	Root       []Entry
}

// Probe mounts the FAT volume on the named device and lists its root
// directory.
func (r *Registry) Probe(ctx context.Context, name string) (*Volume, error) {
	disk, err := r.disk(ctx, name)
	if err != nil {
		return nil, err
	}
	defer disk.Close()

	root, err := mount(disk)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: mount", name)
	}

	return &Volume{
		Device:     name,
		SectorSize: disk.SectorSize(),
		Size:       disk.Len(),
		Root: lo.Map(root.Entries(), func(e fs.DirectoryEntry, _ int) Entry {
			return Entry{Name: e.Name(), IsDir: e.IsDir()}
		}),
	}, nil
}

// Format writes an empty FAT16 super-floppy file system with the given
// label to the named device.
func (r *Registry) Format(ctx context.Context, name, label string) error {
	disk, err := r.disk(ctx, name)
	if err != nil {
		return err
	}
	defer disk.Close()

	conf := &fat.SuperFloppyConfig{
		FATType: fat.FAT16,
		Label:   label,
		OEMName: label,
	}
	if err := fat.FormatSuperFloppy(disk, conf); err != nil {
		return errors.Wrapf(err, "%s: format", name)
	}
	pkg.LogInfo(pkg.ComponentRegistry, "formatted", "device", name, "label", label, "bytes", disk.Len())
	return nil
}

// WriteFile creates file in the root directory of the FAT volume on the named
// device and writes data to it.
func (r *Registry) WriteFile(ctx context.Context, name, file string, data []byte) error {
	disk, err := r.disk(ctx, name)
	if err != nil {
		return err
	}
	defer disk.Close()

	root, err := mount(disk)
	if err != nil {
		return errors.Wrapf(err, "%s: mount", name)
	}
	entry, err := root.AddFile(file)
	if err != nil {
		return errors.Wrapf(err, "%s: add %s", name, file)
	}
	f, err := entry.File()
	if err != nil {
		return errors.Wrapf(err, "%s: open %s", name, file)
	}
	_, err = f.Write(data)
	return errors.Wrapf(err, "%s: write %s", name, file)
}

// OpenDisk returns a Disk for the named device.
func (r *Registry) OpenDisk(ctx context.Context, name string) (*Disk, error) {
	return r.disk(ctx, name)
}

func (r *Registry) disk(ctx context.Context, name string) (*Disk, error) {
	dev, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	return OpenDisk(ctx, dev)
}

// mount opens the FAT file system on disk and returns its root directory.
func mount(disk fs.BlockDevice) (fs.Directory, error) {
	f, err := fat.New(disk)
	if err != nil {
		return nil, err
	}
	return f.RootDir()
}
