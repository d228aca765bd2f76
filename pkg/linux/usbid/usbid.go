//go:build linux

package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/ardnew/usbstor/host/hal"
)

// DefaultPaths lists the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database holds vendor, product and interface class names. It is immutable
// once parsed and safe for concurrent lookups.
type Database struct {
	vendors    map[uint16]string
	products   map[uint32]string // vid<<16 | pid
	classes    map[uint8]string
	subclasses map[uint16]string // class<<8 | subclass
	protocols  map[uint32]string // class<<16 | subclass<<8 | protocol
}

// Load parses the first readable file of paths, or of DefaultPaths when
// none are given.
func Load(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db, err := Parse(f)
		return db, errors.Wrap(err, path)
	}
	return nil, errors.Wrapf(os.ErrNotExist, "usb.ids not found in %s", strings.Join(paths, ", "))
}

type section int

const (
	sectionNone section = iota
	sectionVendor
	sectionClass
)

// Parse reads the usb.ids format. Only the vendor list and the "C" class
// list are kept.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:    make(map[uint16]string),
		products:   make(map[uint32]string),
		classes:    make(map[uint8]string),
		subclasses: make(map[uint16]string),
		protocols:  make(map[uint32]string),
	}

	var (
		sec       section
		vid       uint16
		class     uint8
		subclass  uint8
		haveClass bool
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		depth := len(line) - len(strings.TrimLeft(line, "\t"))
		line = line[depth:]

		switch {
		case depth == 0 && strings.HasPrefix(line, "C "):
			id, name, ok := field(line[2:], 2)
			sec, haveClass = sectionClass, ok
			if ok {
				class = uint8(id)
				db.classes[class] = name
			}

		case depth == 0:
			id, name, ok := field(line, 4)
			if !ok {
				sec = sectionNone
				continue
			}
			sec, vid = sectionVendor, uint16(id)
			db.vendors[vid] = name

		case sec == sectionVendor && depth == 1:
			if id, name, ok := field(line, 4); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}

		case sec == sectionClass && haveClass && depth == 1:
			if id, name, ok := field(line, 2); ok {
				subclass = uint8(id)
				db.subclasses[uint16(class)<<8|uint16(subclass)] = name
			}

		case sec == sectionClass && haveClass && depth == 2:
			if id, name, ok := field(line, 2); ok {
				db.protocols[uint32(class)<<16|uint32(subclass)<<8|uint32(id)] = name
			}
		}
	}
	return db, errors.Wrap(scanner.Err(), "read usb.ids")
}

// field splits "<hex id>  <name>" where the id has the given number of
// digits.
func field(line string, digits int) (uint64, string, bool) {
	if len(line) < digits+2 || line[digits] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:digits], 16, digits*4)
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimSpace(line[digits:]), true
}

// Vendor returns the name of vid, or "".
func (db *Database) Vendor(vid uint16) string { return db.vendors[vid] }

// Product returns the name of vid:pid, or "".
func (db *Database) Product(vid, pid uint16) string {
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Interface names an interface triple as "Class / Subclass / Protocol",
// dropping the levels the database does not know.
func (db *Database) Interface(class, subclass, protocol uint8) string {
	parts := []string{
		db.classes[class],
		db.subclasses[uint16(class)<<8|uint16(subclass)],
		db.protocols[uint32(class)<<16|uint32(subclass)<<8|uint32(protocol)],
	}
	return strings.Join(lo.Compact(parts), " / ")
}

// Fill sets the manufacturer and product strings of info from the database
// where the device left them empty.
func (db *Database) Fill(info *hal.DeviceInfo) {
	if info.Manufacturer == "" {
		info.Manufacturer = db.Vendor(info.VendorID)
	}
	if info.Product == "" {
		info.Product = db.Product(info.VendorID, info.ProductID)
	}
}
