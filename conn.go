package ubxmodem

import (
	"context"
	"io"
	"time"

	"github.com/jaracil/nagle"

	"github.com/nayar-go/ubxmodem/socket"
)

// socketConn adapts a (Driver, socket.Handle) pair to io.ReadWriteCloser,
// the shape nagle.NewNagleWrapper (and most Go networking code) expects.
// Reads and writes run under context.Background(): callers that need
// cancellation should use Driver.Read/Write/CloseSocket directly instead of
// going through DialSocket.
type socketConn struct {
	d *Driver
	h socket.Handle
}

func (c *socketConn) Read(p []byte) (int, error) {
	return c.d.Read(context.Background(), c.h, p)
}

func (c *socketConn) Write(p []byte) (int, error) {
	return c.d.Write(context.Background(), c.h, p)
}

func (c *socketConn) Close() error {
	return c.d.CloseSocket(context.Background(), c.h)
}

// DialSocket opens a socket, connects it to ep, and returns it as an
// io.ReadWriteCloser. When nagleSize is positive the connection is wrapped
// with the teacher's egress-coalescing helper (github.com/jaracil/nagle),
// exactly as the teacher's own outGoingCall/listenTask wrap their TCP
// connections before handing them to a modem instance — here the direction
// is reversed, coalescing the embedder's writes before they reach
// WriteSocketData, so a chatty caller doesn't spend one +MIPSEND per
// small write.
func (d *Driver) DialSocket(ctx context.Context, ep socket.Endpoint, rxSize, txSize, nagleSize int, nagleTimeout time.Duration) (socket.Handle, io.ReadWriteCloser, error) {
	h, err := d.OpenSocket(rxSize, txSize)
	if err != nil {
		return 0, nil, err
	}
	if err := d.Connect(ctx, h, ep); err != nil {
		return 0, nil, err
	}

	conn := &socketConn{d: d, h: h}
	if nagleSize <= 0 {
		return h, conn, nil
	}
	return h, nagle.NewNagleWrapper(conn, nagleSize, nagleTimeout), nil
}
