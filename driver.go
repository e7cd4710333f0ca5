// Package ubxmodem is the public façade over the lifecycle runner and
// network stack coupler: a single Driver handle embedders use to request a
// desired power state, query signal/operator info, issue raw commands, and
// open DNS-resolved TCP sockets over the modem.
package ubxmodem

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"

	"github.com/nayar-go/ubxmodem/atgateway"
	"github.com/nayar-go/ubxmodem/atproto"
	"github.com/nayar-go/ubxmodem/coupler"
	"github.com/nayar-go/ubxmodem/runner"
	"github.com/nayar-go/ubxmodem/socket"
	"github.com/nayar-go/ubxmodem/state"
	"github.com/nayar-go/ubxmodem/urcbus"
)

// ErrConfigRequired is returned when a required configuration parameter is
// missing, mirroring the teacher's NewModem contract.
var ErrConfigRequired = errors.New("ubxmodem: config required")

// Config configures a Driver. Runner carries the pin/timing/APN settings
// consumed by the lifecycle runner; Gateway carries the AT transport's
// pacing and retry policy.
type Config struct {
	Runner  runner.Config
	Gateway atgateway.Config

	// SocketPoolSize is how many local TCP socket handles to allocate.
	// Defaults to 4.
	SocketPoolSize int
	// URCBusCapacity bounds the urcbus ring. Defaults to 32.
	URCBusCapacity int

	Logf func(format string, args ...interface{})
}

func (c Config) socketPoolSize() int {
	if c.SocketPoolSize > 0 {
		return c.SocketPoolSize
	}
	return 4
}

func (c Config) urcBusCapacity() int {
	if c.URCBusCapacity > 0 {
		return c.URCBusCapacity
	}
	return 32
}

// Driver is the modem's public handle: it owns the AT transport, the
// lifecycle runner, and the network stack coupler, all started as
// background goroutines at construction, exactly as the teacher's NewModem
// starts ttyReadTask immediately.
type Driver struct {
	cfg     Config
	state   *state.State
	gateway *atgateway.Gateway
	coupler *coupler.Coupler
	runner  *runner.Runner
	cancel  context.CancelFunc
}

// New constructs a Driver over uart and starts its background goroutines.
// uart must not be nil.
func New(cfg Config, uart io.ReadWriter) (*Driver, error) {
	if uart == nil {
		return nil, ErrConfigRequired
	}

	bus := urcbus.New(cfg.urcBusCapacity())
	urcLines := make(chan string, 16)
	transport := atproto.NewTransport(uart, urcLines)
	gw := atgateway.New(transport, cfg.Gateway)

	shared := state.New()
	pool := socket.NewPool(cfg.socketPoolSize())

	r := runner.New(cfg.Runner, gw, shared, bus.Subscribe(), cfg.Logf)
	cp := coupler.New(pool, gw, shared, bus.Subscribe(), cfg.Logf)

	d := &Driver{cfg: cfg, state: shared, gateway: gw, coupler: cp, runner: r}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	go pumpURCs(ctx, urcLines, bus)
	go r.Run(ctx)
	go cp.Run(ctx)

	return d, nil
}

// pumpURCs parses raw URC lines surfaced by the transport and republishes
// them onto the shared bus, decoupling atproto's line-level concern from
// urcbus's typed one.
func pumpURCs(ctx context.Context, lines <-chan string, bus *urcbus.Bus) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if u, ok := atproto.ParseURC(line); ok {
				bus.Publish(u)
			}
		}
	}
}

// Close stops the driver's background goroutines. It does not power down
// the modem; call SetDesiredStateAndWait(ctx, state.PowerDown) first if a
// clean power-down is wanted.
func (d *Driver) Close() {
	d.cancel()
}

// Reset pulses the module's RESET_N pin, clearing its NVM settings. It is a
// separate hard-reset operation from the PowerUp state transition, which
// only asserts reset high; callers that need an actual reset pulse (e.g.
// recovering a wedged module) call this directly.
func (d *Driver) Reset(ctx context.Context) error {
	return d.runner.Reset(ctx)
}

// SetDesiredState requests a new target OperationState without waiting for
// convergence.
func (d *Driver) SetDesiredState(s state.OperationState) {
	d.state.SetDesired(s)
}

// PowerState returns the modem's current OperationState.
func (d *Driver) PowerState() state.OperationState {
	return d.state.Power()
}

// DesiredState returns the most recently requested OperationState.
func (d *Driver) DesiredState() state.OperationState {
	return d.state.Desired()
}

// LinkState returns the current data-link status.
func (d *Driver) LinkState() state.LinkState {
	return d.state.Link()
}

// SetDesiredStateAndWait requests s and blocks until power_state reaches it,
// or ctx is done. Re-requesting the current power state still forces a
// full re-traversal: state.SetDesired always re-arms (even an identical
// value is re-published), and the runner's converge demotes through
// PowerDown before re-ascending whenever target <= current. In that case
// this call first waits for power_state to leave s and then for it to reach
// s again.
func (d *Driver) SetDesiredStateAndWait(ctx context.Context, s state.OperationState) error {
	watch := d.state.Watch()
	demote := s != state.PowerDown && d.state.Power() == s
	d.state.SetDesired(s)
	for demote || d.state.Power() != s {
		select {
		case <-watch:
			watch = d.state.Watch()
			if d.state.Power() != s {
				demote = false
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SignalQuality issues AT+CSQ and returns the RSSI component.
func (d *Driver) SignalQuality(ctx context.Context) (int, error) {
	sq, err := atproto.GetSignalQuality(ctx, d.gateway)
	if err != nil {
		return 0, err
	}
	return sq.RSSI, nil
}

// Operator issues AT+COPS? and returns the selected operator's name.
func (d *Driver) Operator(ctx context.Context) (string, error) {
	sel, err := atproto.GetOperatorSelection(ctx, d.gateway)
	if err != nil {
		return "", err
	}
	return sel.Name, nil
}

// Send issues a raw AT command (without the "AT" prefix) for advanced use,
// bypassing the typed command encoders in atproto/command.go.
func (d *Driver) Send(ctx context.Context, raw string) ([]string, error) {
	return d.gateway.Send(ctx, raw)
}

// Metrics returns the AT gateway's running counters.
func (d *Driver) Metrics() atgateway.Metrics {
	return d.gateway.Metrics()
}

// OpenSocket allocates a new local TCP socket handle with the given ring
// buffer sizes.
func (d *Driver) OpenSocket(rxSize, txSize int) (socket.Handle, error) {
	return d.coupler.Open(rxSize, txSize)
}

// Connect dials ep over an already-opened socket handle.
func (d *Driver) Connect(ctx context.Context, h socket.Handle, ep socket.Endpoint) error {
	return d.coupler.Connect(ctx, h, ep)
}

// Write sends buf over an established socket handle.
func (d *Driver) Write(ctx context.Context, h socket.Handle, buf []byte) (int, error) {
	return d.coupler.Write(ctx, h, buf)
}

// Read copies received data for handle h into buf.
func (d *Driver) Read(ctx context.Context, h socket.Handle, buf []byte) (int, error) {
	return d.coupler.Read(ctx, h, buf)
}

// CloseSocket tears down a socket handle and releases its control block.
func (d *Driver) CloseSocket(ctx context.Context, h socket.Handle) error {
	return d.coupler.Close(ctx, h)
}

// ResolveName resolves hostname through the modem.
func (d *Driver) ResolveName(ctx context.Context, hostname string, addrType coupler.AddrType) (net.IP, error) {
	return d.coupler.DNSQuery(ctx, hostname, addrType)
}
