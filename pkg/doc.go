// Package pkg provides shared utilities for the usbstor mass-storage host.
//
// This package contains common functionality used by the host controller
// transports, the mass-storage class driver and the block device registry:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error types for USB transport errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentTransport, "bus reset", "lun", 0)
//
// # Errors
//
// Transport failures are reported as sentinel values so that class drivers
// can react without knowing which host controller produced them:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // clear the halt and resynchronize
//	}
package pkg
