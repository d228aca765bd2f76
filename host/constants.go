package host

import "time"

// MaxDevices is the number of device slots a Host manages.
const MaxDevices = 8

// DefaultBusCurrent is the current a root port may supply, in mA.
const DefaultBusCurrent = 500

// Installation retry defaults.
const (
	DefaultInstallAttempts = 5
	DefaultInstallBackoff  = 100 * time.Millisecond
)

// DefaultPollPeriod is how often Run polls every installed driver.
const DefaultPollPeriod = 5 * time.Millisecond

// nameFormat names the block devices of slot n.
const nameFormat = "Usb%d"
