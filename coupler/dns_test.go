package coupler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nayar-go/ubxmodem/drivererr"
	"github.com/nayar-go/ubxmodem/socket"
	"github.com/nayar-go/ubxmodem/state"
	"github.com/nayar-go/ubxmodem/urcbus"
)

func newTestCoupler(client *fakeClient, poolSize int) *Coupler {
	pool := socket.NewPool(poolSize)
	bus := urcbus.New(8)
	return New(pool, client, state.New(), bus.Subscribe(), nil)
}

func waitForDNSTableLen(t *testing.T, c *Coupler, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		l := len(c.dns)
		c.mu.Unlock()
		if l == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("dns table never reached length %d", n)
}

func TestDNSQuery_IdempotentConcurrentCallsShareOneExchange(t *testing.T) {
	client := newFakeClient()
	client.responses[`+MIPDNS=A,"host.example"`] = []string{`+MIPDNS: "host.example",93.184.216.34`}
	c := newTestCoupler(client, 2)

	ctx := context.Background()
	var wg sync.WaitGroup
	ips := make([]net.IP, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip, err := c.DNSQuery(ctx, "host.example", AddrV4)
			ips[i], errs[i] = ip, err
		}(i)
	}

	waitForDNSTableLen(t, c, 1)
	c.runTx(ctx)
	wg.Wait()

	for i := range ips {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ips[i].String() != "93.184.216.34" {
			t.Fatalf("caller %d: ip = %v", i, ips[i])
		}
	}
	if n := client.count(`+MIPDNS=A,"host.example"`); n != 1 {
		t.Fatalf("modem exchanges = %d, want 1", n)
	}
}

func TestDNSQuery_TableFullReturnsImmediately(t *testing.T) {
	client := newFakeClient()
	c := newTestCoupler(client, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < maxDNSQueries; i++ {
		host := string(rune('a'+i)) + ".example"
		go c.DNSQuery(ctx, host, AddrV4)
	}
	waitForDNSTableLen(t, c, maxDNSQueries)

	_, err := c.DNSQuery(context.Background(), "overflow.example", AddrV4)
	if err != drivererr.ErrDNSTableFull {
		t.Fatalf("err = %v, want ErrDNSTableFull", err)
	}
}

func TestDNSQuery_InvalidHostnameRejectedSynchronously(t *testing.T) {
	c := newTestCoupler(newFakeClient(), 2)
	_, err := c.DNSQuery(context.Background(), "", AddrV4)
	if err != drivererr.ErrDNSInvalidName {
		t.Fatalf("err = %v, want ErrDNSInvalidName", err)
	}
}

func TestDNSQuery_FailureWakesWaiterWithError(t *testing.T) {
	client := newFakeClient() // no canned response => ResolveName fails to parse
	c := newTestCoupler(client, 2)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		_, err := c.DNSQuery(ctx, "nowhere.example", AddrV4)
		done <- err
	}()

	waitForDNSTableLen(t, c, 1)
	c.runTx(ctx)

	select {
	case err := <-done:
		if err != drivererr.ErrDNSFailed {
			t.Fatalf("err = %v, want ErrDNSFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("DNSQuery never returned")
	}
}
