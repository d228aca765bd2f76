// Package blockdev is a reference block device registry for the usbstor
// mass storage driver.
//
// [Registry] implements [msc.Registry]: drivers add one root per logical
// unit at install time and report media changes through Notify. The registry
// keeps the roots by exposed name and forwards every event to subscribers.
//
// [Disk] adapts an attached [msc.BlockDevice] to the go-fs
// [fs.BlockDevice] interface, so a FAT volume on a USB stick can be mounted
// with github.com/mitchellh/go-fs/fat. Registry.Probe and Registry.Format
// build on it.
package blockdev
