// Package atgateway serialises outbound AT commands over a mutex and adds
// the optional inter-command pacing and retry policy the driver needs on
// slow microcontrollers and unreliable UARTs. It wraps an atproto.Client;
// everything above this layer only ever sees a Gateway, never the raw
// transport.
package atgateway

import (
	"context"
	"sync"
	"time"

	"github.com/nayarsystems/iotrace"
	"github.com/pkg/errors"

	"github.com/nayar-go/ubxmodem/atproto"
)

// Config tunes the gateway's pacing and retry behaviour.
type Config struct {
	// LowMCU enables the pre/post command pacing delays, for targets whose
	// UART needs recovery time between exchanges.
	LowMCU bool
	// PreDelay and PostDelay bound each command when LowMCU is set.
	// Defaulted to 100ms by DefaultConfig.
	PreDelay, PostDelay time.Duration
	// MaxRetries is how many times a command that fails with
	// atproto.ErrFraming is retried before giving up. Fatal errors are
	// never retried.
	MaxRetries int
}

// DefaultConfig returns the spec's named defaults: 100ms pre/post pacing,
// three retries.
func DefaultConfig() Config {
	return Config{
		PreDelay:   100 * time.Millisecond,
		PostDelay:  100 * time.Millisecond,
		MaxRetries: 3,
	}
}

// Metrics tracks gateway-level counters, following the teacher's plain
// struct-of-counters convention.
type Metrics struct {
	CommandsSent int
	Retries      int
	Failures     int
}

// Gateway serialises Send calls onto the underlying atproto.Client.
type Gateway struct {
	mu      sync.Mutex
	client  atproto.Client
	cfg     Config
	metrics Metrics
}

// New constructs a Gateway over client using cfg.
func New(client atproto.Client, cfg Config) *Gateway {
	return &Gateway{client: client, cfg: cfg}
}

// TraceUART wraps rwc with a hex-dump tracer using the nayarsystems/iotrace
// package, the same tracing facility the teacher's CLI uses for verbose
// modem traffic dumps.
func TraceUART(rwc interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}, label string, flushInterval time.Duration, onTx, onRx func([]byte)) interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
} {
	return iotrace.NewRWCTracer(rwc, 16, flushInterval, onTx, onRx)
}

// Send serialises cmdLine behind the gateway mutex, applying low-mcu pacing
// and retrying transient framing errors up to cfg.MaxRetries times.
func (g *Gateway) Send(ctx context.Context, cmdLine string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.LowMCU {
		if err := sleepCtx(ctx, g.cfg.PreDelay); err != nil {
			return nil, err
		}
	}

	var info []string
	var err error
	retries := g.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	for i := 0; ; i++ {
		g.metrics.CommandsSent++
		info, err = g.client.Send(ctx, cmdLine)
		if err == nil || errors.Cause(err) != atproto.ErrFraming || i >= retries {
			break
		}
		g.metrics.Retries++
	}
	if err != nil {
		g.metrics.Failures++
	}

	if g.cfg.LowMCU {
		if serr := sleepCtx(ctx, g.cfg.PostDelay); serr != nil && err == nil {
			return info, serr
		}
	}
	return info, err
}

// Metrics returns a copy of the gateway's running counters.
func (g *Gateway) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
