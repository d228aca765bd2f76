package host

import (
	"time"

	"github.com/ardnew/usbstor/host/class/msc"
)

// Config holds the enumeration policy of a Host.
type Config struct {
	// MaxDevices caps the number of installed devices.
	MaxDevices int

	// BusCurrent is the bus current budget in mA, shared by every installed
	// device.
	BusCurrent int

	// RejectOverBudget refuses devices whose declared draw exceeds the
	// remaining budget. When false the overrun is only logged.
	RejectOverBudget bool

	// InstallAttempts bounds how often installation of one device is tried.
	// InstallBackoff is the delay before the second attempt; it doubles
	// after each failure.
	InstallAttempts int
	InstallBackoff  time.Duration

	// PollPeriod is the Run tick.
	PollPeriod time.Duration

	// Driver is the template for every class driver. Name is replaced per
	// slot.
	Driver msc.Config
}

// DefaultConfig returns the default host policy.
func DefaultConfig() Config {
	return Config{
		MaxDevices:      MaxDevices,
		BusCurrent:      DefaultBusCurrent,
		InstallAttempts: DefaultInstallAttempts,
		InstallBackoff:  DefaultInstallBackoff,
		PollPeriod:      DefaultPollPeriod,
		Driver:          msc.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxDevices <= 0 {
		c.MaxDevices = def.MaxDevices
	}
	if c.BusCurrent <= 0 {
		c.BusCurrent = def.BusCurrent
	}
	if c.InstallAttempts <= 0 {
		c.InstallAttempts = def.InstallAttempts
	}
	if c.InstallBackoff < 0 {
		c.InstallBackoff = def.InstallBackoff
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = def.PollPeriod
	}
	return c
}
