// Package drivererr collects the error taxonomy shared by every component of
// the modem driver: lifecycle errors from the state machine, protocol-stack
// errors from the socket/DNS coupler, and capacity errors from the bounded
// pools and channels. Transport and hardware failures from other packages are
// wrapped into this taxonomy with github.com/pkg/errors so callers can test
// with errors.Is/errors.Cause without caring which component produced them.
package drivererr

import "github.com/pkg/errors"

// Lifecycle errors. Any of these causes the lifecycle runner to force a
// power-down before re-attempting convergence.
var (
	ErrPoweredDown              = errors.New("modem is powered down")
	ErrStateTimeout             = errors.New("timed out waiting for modem state")
	ErrAttachTimeout            = errors.New("timed out waiting for packet-switched attach")
	ErrContextActivationTimeout = errors.New("timed out activating packet-switched context")
	ErrInvalidStateTransition   = errors.New("invalid operation state transition")
)

// Transport and hardware errors.
var (
	// ErrAtat marks an error returned by the AT transport. Wrap transport
	// failures with errors.Wrap(ErrAtat, ...) or errors.WithMessage so the
	// sentinel survives errors.Is checks.
	ErrAtat = errors.New("at transport error")
	// ErrIoPin marks a pin operation failure; treated as a configuration
	// bug and surfaced to the caller without retry.
	ErrIoPin = errors.New("pin operation failed")
)

// Protocol-stack errors.
var (
	ErrDNSFailed           = errors.New("dns resolution failed")
	ErrDNSInvalidName      = errors.New("invalid dns hostname")
	ErrSocketConnectRefused = errors.New("socket connect refused")
	ErrSocketClosed        = errors.New("socket closed")
	ErrSocketBufferFull    = errors.New("socket buffer full")
)

// Capacity errors. ErrDNSTableFull and ErrSocketPoolExhausted are surfaced
// to the caller; ErrURCOverflow is not returned by any call (URC drops are
// counted by urcbus.Bus.Stats instead). The driver never crashes on
// exhaustion of a bounded resource.
var (
	ErrURCOverflow        = errors.New("urc subscriber overflow")
	ErrDNSTableFull       = errors.New("dns query table full")
	ErrSocketPoolExhausted = errors.New("socket pool exhausted")
)

// WrapAtat wraps err (typically returned by the atproto transport) with the
// ErrAtat sentinel and a command-specific message, mirroring how the AT
// framework this driver sits on top of annotates transport failures.
func WrapAtat(err error, cmd string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrAtat, "%s: %s", cmd, err)
}

// WrapIoPin wraps a pin operation error with the ErrIoPin sentinel.
func WrapIoPin(err error, pin string) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(ErrIoPin, "%s: %s", pin, err)
}
