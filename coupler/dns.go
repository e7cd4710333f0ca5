package coupler

import (
	"context"
	"net"
	"strings"

	"github.com/nayar-go/ubxmodem/drivererr"
)

// maxDNSQueries bounds the in-flight DNS query table, per spec.md §3.
const maxDNSQueries = 4

// AddrType selects which address family to request from the modem's name
// resolution command.
type AddrType int

const (
	AddrV4 AddrType = iota
	AddrV6
)

func (a AddrType) String() string {
	if a == AddrV6 {
		return "AAAA"
	}
	return "A"
}

type dnsState int

const (
	dnsNew dnsState = iota
	dnsPending
	dnsResolved
	dnsError
)

// dnsQuery is one entry in the bounded DNS table. done is closed exactly
// once, when the query transitions to Resolved or Error, waking every
// caller blocked in DNSQuery for this hostname.
type dnsQuery struct {
	hostname string
	addrType AddrType
	state    dnsState
	result   net.IP
	err      error
	done     chan struct{}
}

func validHostname(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	return !strings.ContainsAny(name, " \t\r\n")
}

// DNSQuery resolves hostname through the modem, asynchronously: the actual
// AT exchange happens from the coupler's event loop the next time tx_event
// selects it, not inline in this call. Two concurrent calls for the same
// (hostname, addrType) pair share one table entry and one modem exchange
// (testable property: DNS idempotence).
func (c *Coupler) DNSQuery(ctx context.Context, hostname string, addrType AddrType) (net.IP, error) {
	if !validHostname(hostname) {
		return nil, drivererr.ErrDNSInvalidName
	}

	c.mu.Lock()
	var q *dnsQuery
	for _, existing := range c.dns {
		if existing.hostname == hostname && existing.addrType == addrType &&
			(existing.state == dnsNew || existing.state == dnsPending) {
			q = existing
			break
		}
	}
	if q == nil {
		c.pruneDoneLocked()
		if len(c.dns) >= maxDNSQueries {
			c.mu.Unlock()
			return nil, drivererr.ErrDNSTableFull
		}
		q = &dnsQuery{hostname: hostname, addrType: addrType, state: dnsNew, done: make(chan struct{})}
		c.dns = append(c.dns, q)
		c.pool.RaiseShouldTx()
	}
	c.mu.Unlock()

	select {
	case <-q.done:
		return q.result, q.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pruneDoneLocked drops completed entries to free table slots for new
// queries. Must be called with c.mu held.
func (c *Coupler) pruneDoneLocked() {
	kept := c.dns[:0]
	for _, q := range c.dns {
		if q.state != dnsResolved && q.state != dnsError {
			kept = append(kept, q)
		}
	}
	c.dns = kept
}
