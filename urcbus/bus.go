// Package urcbus is the bounded single-producer/multi-consumer broadcast of
// parsed modem URCs. It has exactly two subscribers in this driver — the
// lifecycle runner and the network stack coupler — each draining at its own
// pace; when the ring fills, the oldest unread entry is dropped and the
// producer's drop counter is incremented. Subscribers never see entries out
// of production order.
package urcbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nayar-go/ubxmodem/atproto"
)

type entry struct {
	seq int
	urc atproto.URC
}

// Bus is a fixed-capacity ring buffer of URCs.
type Bus struct {
	mu      sync.Mutex
	entries []entry
	head    int // index of the oldest buffered entry
	count   int
	total   int // total entries ever published
	notify  chan struct{}

	dropped atomic.Uint64
}

// New returns a Bus with room for capacity unread entries. capacity must be
// at least 1.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		entries: make([]entry, capacity),
		notify:  make(chan struct{}),
	}
}

// Publish appends a URC, dropping the oldest buffered entry first if the
// ring is full.
func (b *Bus) Publish(u atproto.URC) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cap := len(b.entries)
	if b.count == cap {
		b.head = (b.head + 1) % cap
		b.count--
		b.dropped.Add(1)
	}
	idx := (b.head + b.count) % cap
	b.entries[idx] = entry{seq: b.total, urc: u}
	b.count++
	b.total++

	close(b.notify)
	b.notify = make(chan struct{})
}

// Stats reports how many published URCs have been dropped for overflow
// across the bus's lifetime (not per-subscriber).
func (b *Bus) Stats() (dropped uint64) {
	return b.dropped.Load()
}

// oldestSeqLocked returns the sequence number of the oldest buffered entry. Must
// be called with b.mu held.
func (b *Bus) oldestSeqLocked() int {
	return b.total - b.count
}

// Subscription is an independent read cursor over a Bus.
type Subscription struct {
	bus     *Bus
	nextSeq int
}

// Subscribe creates a new cursor starting after everything published so
// far.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{bus: b, nextSeq: b.total}
}

// Next suspends until the next URC is available (skipping over any that
// were dropped before this subscriber reached them) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (atproto.URC, error) {
	for {
		u, ok := s.tryNextLocked()
		if ok {
			return u, nil
		}
		s.bus.mu.Lock()
		ch := s.bus.notify
		s.bus.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next URC without blocking if one is already
// available.
func (s *Subscription) TryNext() (atproto.URC, bool) {
	return s.tryNextLocked()
}

func (s *Subscription) tryNextLocked() (atproto.URC, bool) {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.oldestSeqLocked()
	if s.nextSeq < base {
		s.nextSeq = base // entries before base were dropped for overflow
	}
	if s.nextSeq >= b.total {
		return nil, false
	}
	idx := (b.head + (s.nextSeq - base)) % len(b.entries)
	e := b.entries[idx]
	s.nextSeq++
	return e.urc, true
}
