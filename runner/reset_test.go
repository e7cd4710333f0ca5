package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nayar-go/ubxmodem/atproto"
	"github.com/nayar-go/ubxmodem/state"
	"github.com/nayar-go/ubxmodem/urcbus"
)

// fakePin is a recording Pin/InputPin double: every SetHigh/SetLow call is
// appended to levels in order, so tests can assert on the exact pin trace
// spec.md's scenarios describe.
type fakePin struct {
	mu     sync.Mutex
	levels []string
	high   bool
}

func (p *fakePin) SetHigh(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = append(p.levels, "high")
	p.high = true
	return nil
}

func (p *fakePin) SetLow(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.levels = append(p.levels, "low")
	p.high = false
	return nil
}

func (p *fakePin) IsHigh(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high, nil
}

func (p *fakePin) trace() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.levels))
	copy(out, p.levels)
	return out
}

func TestRunner_ResetPulsesResetPinLowThenHigh(t *testing.T) {
	reset := &fakePin{high: true}
	cfg := fastConfig()
	cfg.ResetPin = reset
	cfg.ResetPulse = 5 * time.Millisecond

	r := New(cfg, newFakeClient(), state.New(), urcbus.New(8).Subscribe(), nil)

	if err := r.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	trace := reset.trace()
	if len(trace) != 2 || trace[0] != "low" || trace[1] != "high" {
		t.Fatalf("reset pin trace = %v, want [low high]", trace)
	}
}

func TestConverge_DataEstablishedConfiguresPDPContextThenProfile(t *testing.T) {
	c := readyClient()
	st := state.New()
	bus := urcbus.New(8)
	cfg := fastConfig()
	cfg.APN = &atproto.APN{Name: "internet"}
	cfg.ProfileID = 1
	cfg.ContextID = 2
	r := New(cfg, c, st, bus.Subscribe(), nil)

	if err := r.converge(context.Background(), state.Connected); err != nil {
		t.Fatalf("converge to Connected: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.enter(context.Background(), state.DataEstablished) }()

	// enterDataEstablished blocks on a link-up URC after configuring the
	// PDP context and packet-switched profile; publish it once both AT
	// commands have gone out.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hist := c.history()
		if containsCmd(hist, `+CGDCONT=2,"IP","internet"`) && containsCmd(hist, `+UPSD=1,1,"internet"`) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	bus.Publish(atproto.DataConnectionActivated{Up: true})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("enter(DataEstablished): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("enter(DataEstablished) never completed")
	}

	hist := c.history()
	idx := map[string]int{}
	for i, cmd := range hist {
		if _, seen := idx[cmd]; !seen {
			idx[cmd] = i
		}
	}
	cgdcont, upsd := `+CGDCONT=2,"IP","internet"`, `+UPSD=1,1,"internet"`
	if !(idx[cgdcont] < idx[upsd]) {
		t.Fatalf("expected %q before %q, got %v", cgdcont, upsd, hist)
	}
}

func containsCmd(hist []string, cmd string) bool {
	for _, h := range hist {
		if h == cmd {
			return true
		}
	}
	return false
}
