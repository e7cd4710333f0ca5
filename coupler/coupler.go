// Package coupler implements the network stack coupler: the event loop
// that maps the in-memory TCP socket pool onto modem-side peer sockets,
// translating socket state transitions into AT commands and modem URCs
// into socket state mutations, and resolving DNS names through the modem.
package coupler

import (
	"context"
	"sync"
	"time"

	"github.com/nayar-go/ubxmodem/atproto"
	"github.com/nayar-go/ubxmodem/drivererr"
	"github.com/nayar-go/ubxmodem/socket"
	"github.com/nayar-go/ubxmodem/state"
	"github.com/nayar-go/ubxmodem/urcbus"
)

// maxEgressSize bounds how many TX-ring bytes are copied into one
// "prepare write N bytes" command, matching spec.md's MAX_EGRESS_SIZE.
const maxEgressSize = 512

// Coupler owns the socket pool and DNS table and drives both from modem
// URCs and from socket/DNS-side state changes.
type Coupler struct {
	mu  sync.Mutex // guards dns only; socket state lives in pool, which is its own lock
	dns []*dnsQuery

	pool  *socket.Pool
	at    atproto.Client
	state *state.State
	urc   *urcbus.Subscription

	logf func(format string, args ...interface{})
}

// New constructs a Coupler over an existing socket pool. logf may be nil.
func New(pool *socket.Pool, at atproto.Client, shared *state.State, urc *urcbus.Subscription, logf func(string, ...interface{})) *Coupler {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Coupler{pool: pool, at: at, state: shared, urc: urc, logf: logf}
}

// Open allocates a new socket control block with the given ring sizes.
func (c *Coupler) Open(rxSize, txSize int) (socket.Handle, error) {
	return c.pool.Allocate(socket.NewRing(make([]byte, rxSize)), socket.NewRing(make([]byte, txSize)))
}

// Run drives the event loop until ctx is cancelled, selecting each
// iteration on: the next URC, a should_tx edge, a 100ms tick, and a
// link-state edge, exactly as spec.md §4.F's four-way select.
func (c *Coupler) Run(ctx context.Context) error {
	type urcResult struct {
		u   atproto.URC
		err error
	}
	urcCh := make(chan urcResult)
	go func() {
		for {
			u, err := c.urc.Next(ctx)
			select {
			case urcCh <- urcResult{u, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	linkWatch := c.state.Watch()
	lastLink := c.state.Link()

	for {
		shouldTx := c.pool.ShouldTx()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-urcCh:
			if r.err != nil {
				return r.err
			}
			c.handleURC(r.u)
		case <-shouldTx:
			c.runTx(ctx)
		case <-ticker.C:
			c.runTx(ctx)
		case <-linkWatch:
			linkWatch = c.state.Watch()
			if l := c.state.Link(); l != lastLink {
				c.logf("coupler observed link state change: %v -> %v", lastLink, l)
				lastLink = l
			}
		}
	}
}

func (c *Coupler) runTx(ctx context.Context) {
	w, ok := c.txEvent()
	if !ok {
		return
	}
	c.socketTx(ctx, w)
}

// handleURC applies the URC mapping table from spec.md §4.F.
func (c *Coupler) handleURC(u atproto.URC) {
	switch v := u.(type) {
	case atproto.SocketClosed:
		if h, ok := c.pool.ByPeer(v.ID); ok {
			c.pool.ClearPeer(h)
			c.pool.SetState(h, socket.StateTimeWait)
		}
	case atproto.SocketOpened:
		if h, ok := c.pool.ByPeer(v.ID); ok {
			c.pool.SetState(h, socket.StateEstablished)
		}
	case atproto.CanSocketOpen:
		c.pool.SetCanOpen(v.FreeSet)
	case atproto.SocketDataSentOver:
		if h, ok := c.pool.ByPeer(v.ID); ok {
			if v.Success {
				if s := c.pool.Get(h); s != nil {
					s.TX().Advance(s.PendingSend())
				}
			} else {
				c.logf("socket peer %d: send not confirmed, flow-off", v.ID)
			}
			// Either way the socket returns to Established so the next
			// tx_event re-evaluates it: on success there may be more queued
			// bytes, on flow-off the un-advanced bytes are retried whole.
			c.pool.SetState(h, socket.StateEstablished)
		}
	case atproto.SocketReadData:
		if h, ok := c.pool.ByPeer(v.ID); ok {
			s := c.pool.Get(h)
			n := s.RX().Enqueue(v.Data)
			if n < len(v.Data) {
				c.logf("socket peer %d: rx overflow, dropped %d bytes", v.ID, len(v.Data)-n)
			}
			c.pool.RaiseShouldTx()
		}
	case atproto.DataConnectionActivated:
		if v.Up {
			c.state.SetLink(state.LinkUp)
		} else {
			c.state.SetLink(state.LinkDown)
		}
	default:
		c.logf("urc observed by coupler: %#v", v)
	}
}

type txKind int

const (
	txNone txKind = iota
	txCanOpen
	txConnect
	txSend
	txClose
	txDNS
)

// txWork is the Go rendering of spec.md's Option<TxEvent>: a tagged union
// of the next transmit-side action to execute.
type txWork struct {
	kind   txKind
	handle socket.Handle
	peer   int
	data   []byte
	query  *dnsQuery
}

// txEvent implements spec.md's transmit-selection algorithm.
func (c *Coupler) txEvent() (txWork, bool) {
	c.mu.Lock()
	for _, q := range c.dns {
		if q.state == dnsNew {
			q.state = dnsPending
			c.mu.Unlock()
			return txWork{kind: txDNS, query: q}, true
		}
	}
	c.mu.Unlock()

	if peer, ok := c.pool.PopDelayedClose(); ok {
		return txWork{kind: txClose, peer: peer}, true
	}

	for _, h := range c.pool.NextRoundRobin() {
		s := c.pool.Get(h)
		if s == nil || !s.InUse() {
			continue
		}
		switch s.State() {
		case socket.StateClosed:
			if s.Remote().IP == nil {
				continue
			}
			peerHandle := int(h) + 1
			free, known := c.pool.CanOpen(peerHandle)
			if !known {
				c.pool.SetLastTx(h)
				return txWork{kind: txCanOpen, handle: h}, true
			}
			if !free {
				// Known-busy: clear the cached fact so the next probe
				// re-checks it, but still attempt the connect, per
				// spec.md's transmit-selection table.
				c.pool.ForgetCanOpen(peerHandle)
			}
			c.pool.SetLastTx(h)
			return txWork{kind: txConnect, handle: h}, true
		case socket.StateEstablished, socket.StateCloseWait, socket.StateLastAck:
			data := s.TX().Peek(maxEgressSize)
			if len(data) > 0 {
				c.pool.SetLastTx(h)
				return txWork{kind: txSend, handle: h, data: data}, true
			}
		case socket.StateFinWait1:
			c.pool.SetLastTx(h)
			return txWork{kind: txClose, peer: s.PeerHandle()}, true
		}
	}
	return txWork{}, false
}

// socketTx implements spec.md's transmit-execution table.
func (c *Coupler) socketTx(ctx context.Context, w txWork) {
	switch w.kind {
	case txCanOpen:
		mask, err := atproto.GetSocketsAvailableToOpen(ctx, c.at)
		if err != nil {
			c.logf("can-open probe failed: %v", err)
			return
		}
		c.pool.SetCanOpen(mask)
		c.pool.SetState(w.handle, socket.StateSynSent)

	case txConnect:
		s := c.pool.Get(w.handle)
		if s == nil {
			return
		}
		peer := c.pool.AllocatePeer(w.handle)
		remote := s.Remote()
		if err := atproto.ConnectSocket(ctx, c.at, peer, remote.IP, remote.Port); err != nil {
			c.logf("connect handle %d failed: %v", w.handle, err)
			c.pool.ClearPeer(w.handle)
			return
		}
		c.pool.SetState(w.handle, socket.StateSynSent)

	case txSend:
		s := c.pool.Get(w.handle)
		if s == nil {
			return
		}
		peer := s.PeerHandle()
		if err := atproto.WriteSocketData(ctx, c.at, peer, w.data); err != nil {
			c.logf("send handle %d failed: %v", w.handle, err)
			return
		}
		c.pool.SetPendingSend(w.handle, len(w.data))
		// Reuses SynSent to mean "awaiting send-ack URC", per spec.md §9
		// Open Question #1; StateAwaitingSendAck documents the intent. The
		// TX ring is not advanced until the ack arrives (see handleURC's
		// SocketDataSentOver case), so a flow-off retry resends the same
		// bytes rather than silently dropping them.
		c.pool.SetState(w.handle, socket.StateAwaitingSendAck)

	case txClose:
		if w.peer != 0 {
			_ = atproto.CloseSocket(ctx, c.at, w.peer) // errors swallowed per spec.md
		}

	case txDNS:
		ip, err := atproto.ResolveName(ctx, c.at, w.query.hostname, w.query.addrType.String())
		c.mu.Lock()
		if err != nil {
			w.query.state = dnsError
			w.query.err = drivererr.ErrDNSFailed
		} else {
			w.query.state = dnsResolved
			w.query.result = ip
		}
		close(w.query.done)
		c.mu.Unlock()
	}
}
