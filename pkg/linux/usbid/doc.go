//go:build linux

// Package usbid reads the usb.ids database shipped with most Linux systems
// and names vendors, products and interface classes.
//
//	db, err := usbid.Load()
//	if err == nil {
//	    db.Fill(&info)
//	    fmt.Println(db.Interface(0x08, 0x06, 0x50)) // Mass Storage / SCSI / Bulk-Only
//	}
package usbid
