// Package msctest provides an emulated bulk-only mass storage device for
// exercising host-side code without hardware.
//
// A [Device] implements [hal.Transport] and answers the SCSI subset used by
// package msc from per-LUN [Storage] backends. Faults can be injected per
// command through [Device.OnCommand]:
//
//	dev := msctest.New(&msctest.Unit{
//	    Storage: msctest.NewMemoryStorage(2048, 512),
//	    Vendor:  "ACME",
//	    Product: "Stick",
//	})
//	dev.OnCommand = func(cbw *msc.CommandBlockWrapper) msctest.Fault {
//	    return msctest.Fault{PhaseError: cbw.CB[0] == msc.SCSIRead10}
//	}
package msctest
