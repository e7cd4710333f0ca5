// Package socket implements the fixed-size pool of TCP socket control
// blocks the network stack coupler multiplexes onto modem-side peer
// sockets. Sockets are referenced by stable local handles (an index into
// the pool); there are no back-pointers from a socket to the coupler or
// pool, so the cyclic socket<->coupler<->pool reference the original design
// would otherwise need is resolved by arena+index instead.
package socket

import (
	"net"
	"sync"

	"github.com/nayar-go/ubxmodem/drivererr"
)

// Handle is a stable index into a Pool, in [0, N).
type Handle uint8

// PeerHandleCount is the modem's fixed number of peer-side socket handles
// (1..6). The can-open bitmap is sized to this constant rather than to the
// pool size: it is a fact about the modem, not about how many local sockets
// the embedder happens to configure (spec.md §9, Open Question #3).
const PeerHandleCount = 6

// TCPState is the socket's TCP-like state.
type TCPState int

const (
	StateClosed TCPState = iota
	StateSynSent
	StateEstablished
	StateCloseWait
	StateLastAck
	StateFinWait1
	StateTimeWait
)

// StateAwaitingSendAck documents spec.md §9 Open Question #1: after a
// successful Send the coupler reuses StateSynSent to mean "awaiting a
// send-ack URC" rather than introducing a distinct state. The alias lets
// call sites say what they mean without changing the wire-visible enum.
const StateAwaitingSendAck = StateSynSent

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateSynSent:
		return "SynSent"
	case StateEstablished:
		return "Established"
	case StateCloseWait:
		return "CloseWait"
	case StateLastAck:
		return "LastAck"
	case StateFinWait1:
		return "FinWait1"
	case StateTimeWait:
		return "TimeWait"
	default:
		return "Unknown"
	}
}

// Endpoint is a remote TCP endpoint.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// TCPSocket is one control block in the pool.
type TCPSocket struct {
	handle Handle
	used   bool

	state  TCPState
	peer   int // 0 = none; otherwise 1..PeerHandleCount
	remote Endpoint

	// pendingSend is the byte count handed to WriteSocketData while awaiting
	// its SocketDataSentOver ack; the TX ring is only advanced past those
	// bytes once the ack confirms delivery. On a flow-off ack the ring is
	// left as it is, so the same bytes are sent again.
	pendingSend int

	rx *Ring
	tx *Ring
}

// Handle returns the socket's stable local handle.
func (s *TCPSocket) Handle() Handle { return s.handle }

// State returns the socket's current TCP-like state.
func (s *TCPSocket) State() TCPState { return s.state }

// PeerHandle returns the modem-assigned peer handle (1..6), or 0 if none is
// currently assigned.
func (s *TCPSocket) PeerHandle() int { return s.peer }

// Remote returns the socket's configured remote endpoint.
func (s *TCPSocket) Remote() Endpoint { return s.remote }

// InUse reports whether this slot currently holds a live socket.
func (s *TCPSocket) InUse() bool { return s.used }

// PendingSend returns the byte count of the most recent WriteSocketData
// call still awaiting its send-ack URC.
func (s *TCPSocket) PendingSend() int { return s.pendingSend }

// RX returns the socket's receive ring.
func (s *TCPSocket) RX() *Ring { return s.rx }

// TX returns the socket's transmit ring.
func (s *TCPSocket) TX() *Ring { return s.tx }

// Pool is a fixed-size array of TCP socket control blocks.
type Pool struct {
	mu      sync.Mutex
	sockets []TCPSocket

	// canOpen[i] is whether peer handle i+1 is known to be free to open;
	// canOpenKnown[i] is whether we've ever learned a real value for it.
	canOpen      [PeerHandleCount]bool
	canOpenKnown [PeerHandleCount]bool

	delayedClose []int // peer handles queued for CLOSE after local release

	shouldTx chan struct{}
	lastTx   int
}

// NewPool allocates a pool of n socket slots.
func NewPool(n int) *Pool {
	return &Pool{
		sockets:  make([]TCPSocket, n),
		shouldTx: make(chan struct{}),
		lastTx:   -1,
	}
}

// Len returns the pool's fixed size.
func (p *Pool) Len() int { return len(p.sockets) }

// RaiseShouldTx signals the coupler's event loop that something changed and
// it should re-evaluate tx_event promptly, rather than waiting for the next
// liveness tick.
func (p *Pool) RaiseShouldTx() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.shouldTx)
	p.shouldTx = make(chan struct{})
}

// ShouldTx returns the channel the coupler selects on for a should_tx edge.
func (p *Pool) ShouldTx() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shouldTx
}

// Open binds rx/tx rings to handle h and resets it to Closed, ready for a
// new remote endpoint to be configured.
func (p *Pool) Open(h Handle, rx, tx *Ring) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(h) >= len(p.sockets) {
		return drivererr.ErrSocketPoolExhausted
	}
	s := &p.sockets[h]
	*s = TCPSocket{handle: h, used: true, rx: rx, tx: tx}
	return nil
}

// Allocate finds the first unused slot, binds rx/tx to it, and returns its
// handle.
func (p *Pool) Allocate(rx, tx *Ring) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.sockets {
		if !p.sockets[i].used {
			h := Handle(i)
			p.sockets[i] = TCPSocket{handle: h, used: true, rx: rx, tx: tx}
			return h, nil
		}
	}
	return 0, drivererr.ErrSocketPoolExhausted
}

// Release marks h free. If it held a peer handle in a state where the
// modem-side socket might still be open, the peer handle is pushed onto the
// delayed-close queue so the coupler can emit CLOSE after the control block
// is released, per spec.md's cancellation-safety rule.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.sockets[h]
	if s.peer != 0 && s.state != StateClosed && s.state != StateTimeWait {
		p.delayedClose = append(p.delayedClose, s.peer)
	}
	*s = TCPSocket{handle: h}
}

// Get returns a pointer to the socket at h, or nil if h is out of range.
// Mutating the returned socket's exported state must go through the Pool's
// transition methods below to preserve invariants; Get is for read-only
// inspection by the coupler, which is the sole owner of socket state.
func (p *Pool) Get(h Handle) *TCPSocket {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(h) >= len(p.sockets) {
		return nil
	}
	return &p.sockets[h]
}

// Iter yields (handle, socket) for every in-use slot in handle order, the
// Go 1.23 range-over-func equivalent of the spec's iter_mut().
func (p *Pool) Iter(yield func(Handle, *TCPSocket) bool) {
	p.mu.Lock()
	sockets := p.sockets
	p.mu.Unlock()
	for i := range sockets {
		if !sockets[i].used {
			continue
		}
		if !yield(Handle(i), &sockets[i]) {
			return
		}
	}
}

// SetState transitions h to state st. Callers (the coupler exclusively,
// per spec.md §5's linearisation rule) are responsible for only requesting
// legal transitions; SetState itself does not validate the edge, mirroring
// the teacher's separation between "the state machine's rules" (documented)
// and "the struct that holds the current value" (mechanical).
func (p *Pool) SetState(h Handle, st TCPState) {
	p.mu.Lock()
	p.sockets[h].state = st
	p.mu.Unlock()
	p.RaiseShouldTx()
}

// SetPendingSend records the byte count of an in-flight WriteSocketData
// call, to be advanced out of the TX ring once its send-ack URC arrives.
func (p *Pool) SetPendingSend(h Handle, n int) {
	p.mu.Lock()
	p.sockets[h].pendingSend = n
	p.mu.Unlock()
}

// SetRemote configures the endpoint a Closed socket should dial.
func (p *Pool) SetRemote(h Handle, ep Endpoint) {
	p.mu.Lock()
	p.sockets[h].remote = ep
	p.mu.Unlock()
	p.RaiseShouldTx()
}

// AllocatePeer assigns h's peer handle deterministically as handle+1 (1..6),
// matching spec.md's Connect transmit-execution rule. Because the mapping
// is a bijection of local handles to peer handles, the pool-wide
// peer-handle-uniqueness invariant holds by construction as long as pool
// size does not exceed PeerHandleCount.
func (p *Pool) AllocatePeer(h Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer := int(h) + 1
	p.sockets[h].peer = peer
	return peer
}

// ClearPeer removes h's peer-handle assignment.
func (p *Pool) ClearPeer(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sockets[h].peer = 0
}

// ByPeer finds the in-use socket currently holding peer handle id, if any.
func (p *Pool) ByPeer(id int) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.sockets {
		if p.sockets[i].used && p.sockets[i].peer == id {
			return Handle(i), true
		}
	}
	return 0, false
}

// SetCanOpen records the modem's reported free/busy state for every peer
// handle, from a CanSocketOpen URC's bitmask.
func (p *Pool) SetCanOpen(freeSet uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < PeerHandleCount; i++ {
		p.canOpen[i] = freeSet&(1<<uint(i)) != 0
		p.canOpenKnown[i] = true
	}
}

// CanOpen reports whether peer handle id is known to be free, and whether
// that fact is known at all (unknown slots must be probed with
// GetSocketsAvailableToOpen before a Connect is attempted).
func (p *Pool) CanOpen(peerHandle int) (free bool, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := peerHandle - 1
	if i < 0 || i >= PeerHandleCount {
		return false, true
	}
	return p.canOpen[i], p.canOpenKnown[i]
}

// ForgetCanOpen clears the known flag for a peer handle, forcing a re-probe
// on the next transmit-selection pass.
func (p *Pool) ForgetCanOpen(peerHandle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := peerHandle - 1
	if i >= 0 && i < PeerHandleCount {
		p.canOpenKnown[i] = false
	}
}

// PopDelayedClose removes and returns the oldest queued delayed-close peer
// handle, if any.
func (p *Pool) PopDelayedClose() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.delayedClose) == 0 {
		return 0, false
	}
	id := p.delayedClose[0]
	p.delayedClose = p.delayedClose[1:]
	return id, true
}

// PushDelayedClose enqueues a peer handle for CLOSE, used directly by the
// coupler when a pending connect is cancelled after ConnectSocket was
// already acknowledged (spec.md §5 cancellation rule).
func (p *Pool) PushDelayedClose(peerHandle int) {
	p.mu.Lock()
	p.delayedClose = append(p.delayedClose, peerHandle)
	p.mu.Unlock()
	p.RaiseShouldTx()
}

// NextRoundRobin returns every handle in the order transmit selection
// should consider them, starting just after the last one selected and
// wrapping through the full pool exactly once.
func (p *Pool) NextRoundRobin() []Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.sockets)
	order := make([]Handle, 0, n)
	for i := 1; i <= n; i++ {
		order = append(order, Handle((p.lastTx+i)%n))
	}
	return order
}

// SetLastTx records which handle was most recently selected by
// transmit-selection, advancing the round-robin cursor.
func (p *Pool) SetLastTx(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTx = int(h)
}
