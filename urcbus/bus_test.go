package urcbus

import (
	"context"
	"testing"
	"time"

	"github.com/nayar-go/ubxmodem/atproto"
)

func TestBus_InOrderDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()

	want := []atproto.URC{
		atproto.SocketOpened{ID: 1},
		atproto.SocketClosed{ID: 1},
		atproto.DataConnectionActivated{Up: true},
	}
	for _, u := range want {
		b.Publish(u)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i, w := range want {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next(%d): %v", i, err)
		}
		if got != w {
			t.Errorf("entry %d = %#v, want %#v", i, got, w)
		}
	}
}

func TestBus_TwoIndependentSubscribers(t *testing.T) {
	b := New(4)
	runner := b.Subscribe()
	coupler := b.Subscribe()

	b.Publish(atproto.SocketClosed{ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, sub := range []*Subscription{runner, coupler} {
		got, err := sub.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != (atproto.SocketClosed{ID: 1}) {
			t.Errorf("got %#v", got)
		}
	}
}

func TestBus_DropOldestOnOverflow(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()

	b.Publish(atproto.SocketClosed{ID: 1})
	b.Publish(atproto.SocketClosed{ID: 2})
	b.Publish(atproto.SocketClosed{ID: 3}) // drops ID 1

	if got := b.Stats(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != (atproto.SocketClosed{ID: 2}) {
		t.Errorf("first surviving entry = %#v, want ID 2", got)
	}
	got, _ = sub.Next(ctx)
	if got != (atproto.SocketClosed{ID: 3}) {
		t.Errorf("second surviving entry = %#v, want ID 3", got)
	}
}

func TestBus_TryNextNonBlocking(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	if _, ok := sub.TryNext(); ok {
		t.Fatal("TryNext should report nothing available")
	}
	b.Publish(atproto.SocketOpened{ID: 1})
	u, ok := sub.TryNext()
	if !ok || u != (atproto.SocketOpened{ID: 1}) {
		t.Errorf("got %#v, %v", u, ok)
	}
}

func TestBus_ContextCancelled(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := sub.Next(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
