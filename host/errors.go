package host

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbstor/pkg"
)

// Enumeration errors.
var (
	ErrNoSlot       = fmt.Errorf("no free device slot: %w", pkg.ErrNoResources)
	ErrOverBudget   = fmt.Errorf("bus current budget exceeded: %w", pkg.ErrNoResources)
	ErrUnidentified = errors.New("no logical unit identified")
)
