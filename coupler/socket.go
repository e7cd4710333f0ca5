package coupler

import (
	"context"

	"github.com/nayar-go/ubxmodem/drivererr"
	"github.com/nayar-go/ubxmodem/socket"
)

// Connect dials the given remote endpoint over an already-opened socket
// handle and suspends until the socket reaches Established. Cancelling ctx
// before that drops the in-flight connection by enqueueing its peer handle
// (if one was already allocated) onto the delayed-close queue, so the
// coupler still tells the modem to tear it down.
func (c *Coupler) Connect(ctx context.Context, h socket.Handle, ep socket.Endpoint) error {
	c.pool.SetRemote(h, ep)
	for {
		s := c.pool.Get(h)
		if s == nil {
			return drivererr.ErrSocketClosed
		}
		if s.State() == socket.StateEstablished {
			return nil
		}
		shouldTx := c.pool.ShouldTx()
		select {
		case <-shouldTx:
		case <-ctx.Done():
			if peer := s.PeerHandle(); peer != 0 {
				c.pool.PushDelayedClose(peer)
			}
			return ctx.Err()
		}
	}
}

// Write copies buf into the socket's TX ring in chunks, raising should_tx
// after every successful copy, and suspends while the ring is full.
func (c *Coupler) Write(ctx context.Context, h socket.Handle, buf []byte) (int, error) {
	written := 0
	for written < len(buf) {
		s := c.pool.Get(h)
		if s == nil {
			return written, drivererr.ErrSocketClosed
		}
		n := s.TX().Enqueue(buf[written:])
		if n > 0 {
			written += n
			c.pool.RaiseShouldTx()
			continue
		}
		shouldTx := c.pool.ShouldTx()
		select {
		case <-shouldTx:
		case <-ctx.Done():
			return written, ctx.Err()
		}
	}
	return written, nil
}

// Read suspends until the socket's RX ring is non-empty, then copies as
// much as fits into buf and returns the byte count copied. Once the peer
// (or our own half-close) has moved the socket into CloseWait/TimeWait and
// the RX ring has drained, Read returns (0, nil): EOF, per spec.md's S4
// scenario, rather than blocking forever on data that will never arrive.
func (c *Coupler) Read(ctx context.Context, h socket.Handle, buf []byte) (int, error) {
	for {
		s := c.pool.Get(h)
		if s == nil {
			return 0, drivererr.ErrSocketClosed
		}
		if s.RX().Len() > 0 {
			return s.RX().Dequeue(buf), nil
		}
		if st := s.State(); st == socket.StateTimeWait || st == socket.StateCloseWait {
			return 0, nil
		}
		shouldTx := c.pool.ShouldTx()
		select {
		case <-shouldTx:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close moves the socket to FinWait1 and suspends until the modem confirms
// teardown (TimeWait), then releases the control block back to the pool.
func (c *Coupler) Close(ctx context.Context, h socket.Handle) error {
	c.pool.SetState(h, socket.StateFinWait1)
	for {
		s := c.pool.Get(h)
		if s == nil {
			return nil
		}
		if s.State() == socket.StateTimeWait {
			c.pool.Release(h)
			return nil
		}
		shouldTx := c.pool.ShouldTx()
		select {
		case <-shouldTx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
