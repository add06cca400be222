// Package camera abstracts the two supported camera backends behind a
// single provider contract. A provider owns no business logic, only
// start/read/stop semantics and pixel-format normalization: every
// frame leaving a provider is packed 3-channel BGR, whatever the
// hardware natively emits.
package camera

import (
	"errors"

	"github.com/paperport/docscan-camera/pkg/types"
)

// ErrAlreadyStarted is returned when Start is called on a running provider.
var ErrAlreadyStarted = errors.New("camera provider already started")

// Provider is the capability contract implemented by exactly one
// active hardware backend at a time.
//
// Start is called once from a single controlling goroutine before any
// Read and validates configuration before touching hardware. Read is
// safe to call from a different goroutine than Start/Stop and reports
// any transient hardware error as (zero, false) rather than an error;
// the caller decides whether repeated failures are fatal. Still grabs
// a hardware-native high-resolution frame through the secondary
// stream where the backend has one. Stop is idempotent and releases
// all hardware handles deterministically.
type Provider interface {
	Start(cfg types.CameraConfig) error
	Read() (types.Frame, bool)
	Still() (types.Frame, bool)
	Stop()
	Name() string
}

// Constructor hooks, swappable in tests.
var (
	newUSB func() Provider = func() Provider { return newUSBProvider() }
	newCSI func() Provider = func() Provider { return newCSIProvider() }
)

// Open constructs and starts the provider selected by sel. The auto
// policy prefers the CSI backend and falls back to USB when CSI is
// unavailable or its own initialization fails; that failure is
// reported to the caller's log, never propagated as fatal.
func Open(sel types.Interface, cfg types.CameraConfig, logf func(format string, args ...any)) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	switch sel {
	case types.InterfaceUSB:
		p := newUSB()
		if err := p.Start(cfg); err != nil {
			return nil, err
		}
		return p, nil
	case types.InterfaceCSI:
		p := newCSI()
		if err := p.Start(cfg); err != nil {
			return nil, err
		}
		return p, nil
	case types.InterfaceAuto:
		csi := newCSI()
		if err := csi.Start(cfg); err == nil {
			return csi, nil
		} else {
			logf("csi backend unavailable, falling back to usb: %v", err)
		}
		usb := newUSB()
		if err := usb.Start(cfg); err != nil {
			return nil, err
		}
		return usb, nil
	default:
		return nil, errors.New("unknown camera interface selection")
	}
}
