// Package state holds the shared link/power/desired state that the
// lifecycle runner and the network stack coupler both observe. Access is
// single-threaded-cooperative in spirit (the spec this driver follows is
// written against a single executor) but is implemented with a regular
// sync.Mutex and channel-based waiters, since Go has goroutines rather than
// one cooperative task per core.
package state

import (
	"context"
	"sync"
)

// OperationState is a totally ordered progress scalar for the modem's power
// and registration lifecycle.
type OperationState int

const (
	PowerDown OperationState = iota
	PowerUp
	Alive
	Initialised
	Connected
	DataEstablished
)

func (s OperationState) String() string {
	switch s {
	case PowerDown:
		return "PowerDown"
	case PowerUp:
		return "PowerUp"
	case Alive:
		return "Alive"
	case Initialised:
		return "Initialised"
	case Connected:
		return "Connected"
	case DataEstablished:
		return "DataEstablished"
	default:
		return "Unknown"
	}
}

// Step returns the signed number of single-state transitions needed to move
// from s to target. It is purely arithmetic; it does not validate that the
// traversal is legal.
func (s OperationState) Step(target OperationState) int {
	return int(target) - int(s)
}

// LinkState is the data-link status, independent of OperationState: the
// modem may flap its link while remaining Connected.
type LinkState int

const (
	LinkUnknown LinkState = iota
	LinkDown
	LinkUp
)

func (l LinkState) String() string {
	switch l {
	case LinkDown:
		return "Down"
	case LinkUp:
		return "Up"
	default:
		return "Unknown"
	}
}

// State is the mutex-guarded tuple (link_state, power_state, desired_state)
// plus the plumbing needed to wake observers on any change.
type State struct {
	mu sync.Mutex

	link    LinkState
	power   OperationState
	desired OperationState

	// waiters are notified (closed) whenever any field changes; a watcher
	// grabs the current channel, releases the lock, and selects on it.
	waiters []chan struct{}

	// desiredLog is every value ever published to SetDesired, in order.
	// WaitForDesiredChange cursors walk it so that an identical-value
	// write is still observed once by every subscriber, matching the
	// spec's "re-arm" requirement.
	desiredLog []OperationState
	desiredCh  chan struct{} // closed and replaced whenever desiredLog grows
}

// New returns a State initialised to PowerDown with no desired state set.
func New() *State {
	return &State{
		desiredLog: []OperationState{PowerDown},
		desiredCh:  make(chan struct{}),
	}
}

func (s *State) wakeLocked() {
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = s.waiters[:0]
}

// Watch returns a channel that is closed the next time any field of State
// changes. Each call allocates a fresh channel; discard it after it fires.
func (s *State) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	return ch
}

func (s *State) Power() OperationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

// SetPower updates the power state. power_state is expected to be monotonic
// within a single traversal; this is enforced by the caller (the lifecycle
// runner), not by State itself.
func (s *State) SetPower(p OperationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.power == p {
		return
	}
	s.power = p
	s.wakeLocked()
}

func (s *State) Link() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

func (s *State) SetLink(l LinkState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == l {
		return
	}
	s.link = l
	s.wakeLocked()
}

func (s *State) Desired() OperationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired
}

// SetDesired records a new desired state and always publishes it to the
// desired-state log, even if it equals the current value: an identical-value
// write is still delivered as an explicit re-arm to anyone awaiting a
// change, per the spec's invariant.
func (s *State) SetDesired(d OperationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.desired = d
	s.desiredLog = append(s.desiredLog, d)
	close(s.desiredCh)
	s.desiredCh = make(chan struct{})
	s.wakeLocked()
}

// WaitForDesiredChange blocks until the next value published by SetDesired
// after idx, returning that value and the index to pass on the following
// call. Callers typically start with idx = len(log)-1 (the current value)
// so the first call waits for a genuinely new publication.
func (s *State) WaitForDesiredChange(ctx context.Context, idx int) (OperationState, int, error) {
	for {
		s.mu.Lock()
		if idx+1 < len(s.desiredLog) {
			v := s.desiredLog[idx+1]
			s.mu.Unlock()
			return v, idx + 1, nil
		}
		ch := s.desiredCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, idx, ctx.Err()
		}
	}
}

// DesiredCursor returns the index of the most recently published desired
// value, for seeding WaitForDesiredChange.
func (s *State) DesiredCursor() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.desiredLog) - 1
}
