package state

import (
	"context"
	"testing"
	"time"
)

func TestOperationState_String(t *testing.T) {
	tests := []struct {
		name     string
		s        OperationState
		expected string
	}{
		{"PowerDown", PowerDown, "PowerDown"},
		{"PowerUp", PowerUp, "PowerUp"},
		{"Alive", Alive, "Alive"},
		{"Initialised", Initialised, "Initialised"},
		{"Connected", Connected, "Connected"},
		{"DataEstablished", DataEstablished, "DataEstablished"},
		{"unknown", OperationState(99), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.String(); got != tt.expected {
				t.Errorf("String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestOperationState_Step(t *testing.T) {
	if d := PowerDown.Step(DataEstablished); d != 5 {
		t.Errorf("Step() = %d, want 5", d)
	}
	if d := DataEstablished.Step(PowerDown); d != -5 {
		t.Errorf("Step() = %d, want -5", d)
	}
	if d := Alive.Step(Alive); d != 0 {
		t.Errorf("Step() = %d, want 0", d)
	}
}

func TestState_SetPowerWakesWatcher(t *testing.T) {
	s := New()
	ch := s.Watch()

	done := make(chan struct{})
	go func() {
		s.SetPower(PowerUp)
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watcher was not woken")
	}
	<-done

	if got := s.Power(); got != PowerUp {
		t.Errorf("Power() = %v, want %v", got, PowerUp)
	}
}

func TestState_SetPowerNoOpDoesNotWake(t *testing.T) {
	s := New()
	s.SetPower(Alive)
	ch := s.Watch()

	s.SetPower(Alive) // same value: must not wake

	select {
	case <-ch:
		t.Fatal("watcher woken by a no-op SetPower")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestState_WaitForDesiredChange_IdenticalValueStillDelivered(t *testing.T) {
	s := New()
	idx := s.DesiredCursor()

	results := make(chan OperationState, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		go func() {
			v, _, err := s.WaitForDesiredChange(ctx, idx)
			if err != nil {
				t.Error(err)
				return
			}
			results <- v
		}()
	}

	time.Sleep(10 * time.Millisecond) // let both subscribers start waiting
	s.SetDesired(PowerDown)           // same as current value: still a publication

	for i := 0; i < 2; i++ {
		select {
		case v := <-results:
			if v != PowerDown {
				t.Errorf("got %v, want %v", v, PowerDown)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not observe the re-arm publication")
		}
	}
}

func TestState_WaitForDesiredChange_ContextCancelled(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := s.WaitForDesiredChange(ctx, s.DesiredCursor())
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestState_LinkState(t *testing.T) {
	s := New()
	if got := s.Link(); got != LinkUnknown {
		t.Errorf("initial Link() = %v, want %v", got, LinkUnknown)
	}
	s.SetLink(LinkUp)
	if got := s.Link(); got != LinkUp {
		t.Errorf("Link() = %v, want %v", got, LinkUp)
	}
}
