package runner

import (
	"time"

	"github.com/nayar-go/ubxmodem/atproto"
)

// Named timings from spec.md §4.D, overridable per embedder.
const (
	DefaultResetPulse        = 200 * time.Millisecond
	DefaultPowerOffPulse     = 3 * time.Second
	DefaultBootWait          = 10 * time.Second
	DefaultPostCommandPacing = 100 * time.Millisecond

	aliveProbeInterval  = 100 * time.Millisecond
	simRetryInterval    = time.Second
	registrationPoll    = time.Second
	registrationTimeout = 50 * time.Second
	attachPollRounds    = 10
	attachPollInterval  = time.Second
)

// Config configures one Runner instance.
type Config struct {
	ResetPin Pin      // optional; nil => no-op
	PowerPin Pin      // optional; nil => no-op
	VIntPin  InputPin // optional; nil => always-powered

	ResetPulse        time.Duration // hard-reset pulse width; see Runner.Reset
	PowerOffPulse     time.Duration
	BootWait          time.Duration
	PostCommandPacing time.Duration

	FlowControl bool
	HexMode     bool
	APN         *atproto.APN
	ProfileID   uint8 // AT+UPSD packet-switched profile selector
	ContextID   uint8 // AT+CGDCONT PDP context selector
}

func (c Config) resetPin() Pin {
	if c.ResetPin == nil {
		return noopPin{}
	}
	return c.ResetPin
}

func (c Config) powerPin() Pin {
	if c.PowerPin == nil {
		return noopPin{}
	}
	return c.PowerPin
}

func (c Config) vintPin() InputPin {
	if c.VIntPin == nil {
		return alwaysPoweredPin{}
	}
	return c.VIntPin
}

func (c Config) resetPulse() time.Duration {
	if c.ResetPulse > 0 {
		return c.ResetPulse
	}
	return DefaultResetPulse
}

func (c Config) powerOffPulse() time.Duration {
	if c.PowerOffPulse > 0 {
		return c.PowerOffPulse
	}
	return DefaultPowerOffPulse
}

func (c Config) bootWait() time.Duration {
	if c.BootWait > 0 {
		return c.BootWait
	}
	return DefaultBootWait
}
