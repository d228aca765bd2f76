package msc

import "time"

// PollIntervals is the minimum time between two polls of a logical unit,
// selected by the unit's state at the time of the check.
type PollIntervals struct {
	Unknown  time.Duration
	NoMedia  time.Duration
	NotReady time.Duration
	Ready    time.Duration
	Error    time.Duration
}

// For returns the interval for state s.
func (p PollIntervals) For(s DeviceState) time.Duration {
	switch s {
	case StateNoMedia:
		return p.NoMedia
	case StateNotReady:
		return p.NotReady
	case StateReady:
		return p.Ready
	case StateError:
		return p.Error
	default:
		return p.Unknown
	}
}

// DefaultPollIntervals favors states that are expected to change soon.
var DefaultPollIntervals = PollIntervals{
	Unknown:  10 * time.Millisecond,
	NoMedia:  250 * time.Millisecond,
	NotReady: 20 * time.Millisecond,
	Ready:    500 * time.Millisecond,
	Error:    500 * time.Millisecond,
}

// Config holds Driver tunables.
type Config struct {
	// Interface is the bInterfaceNumber class requests are addressed to.
	Interface uint8

	// Name is the exposed base name. Devices with more than one LUN get an
	// "L<n>" suffix per unit.
	Name string

	// LockTimeout bounds how long a command waits for the device lock
	// before failing with pkg.ErrBusy.
	LockTimeout time.Duration

	// IORetries is the number of READ(10)/WRITE(10) attempts made on short
	// transfers before giving up.
	IORetries int

	// RetryDelay is the pause between short-transfer retries.
	RetryDelay time.Duration

	// PollIntervals selects the poll cadence per state.
	PollIntervals PollIntervals

	// InitialPollDelay and PollStagger place the first poll of LUN n at
	// InitialPollDelay + n*PollStagger after installation.
	InitialPollDelay time.Duration
	PollStagger      time.Duration

	// MaxLUNs caps the number of logical units created regardless of what
	// the device reports.
	MaxLUNs int

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		Name:          DefaultExposedName,
		LockTimeout:   DefaultLockTimeout,
		IORetries:     DefaultIORetries,
		PollIntervals: DefaultPollIntervals,
		PollStagger:   DefaultPollStagger,
		MaxLUNs:       MaxLUNs,
	}
}

// withDefaults fills unset fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.IORetries <= 0 {
		c.IORetries = d.IORetries
	}
	if c.PollIntervals == (PollIntervals{}) {
		c.PollIntervals = d.PollIntervals
	}
	if c.MaxLUNs <= 0 || c.MaxLUNs > MaxLUNs {
		c.MaxLUNs = MaxLUNs
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
