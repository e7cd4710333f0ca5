package atgateway

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/nayar-go/ubxmodem/atproto"
)

type fakeClient struct {
	calls   []string
	fail    int // number of leading calls to fail with ErrFraming
	fatal   error
	results []string
}

func (f *fakeClient) Send(ctx context.Context, cmdLine string) ([]string, error) {
	f.calls = append(f.calls, cmdLine)
	if f.fatal != nil {
		return nil, f.fatal
	}
	if len(f.calls) <= f.fail {
		return nil, errors.Wrap(atproto.ErrFraming, "garbled")
	}
	return f.results, nil
}

func TestGateway_RetriesFramingErrors(t *testing.T) {
	fc := &fakeClient{fail: 2}
	gw := New(fc, Config{MaxRetries: 3})

	_, err := gw.Send(context.Background(), "+CSQ")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(fc.calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(fc.calls))
	}
	if m := gw.Metrics(); m.Retries != 2 || m.CommandsSent != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestGateway_FatalErrorNotRetried(t *testing.T) {
	fc := &fakeClient{fatal: atproto.ErrError}
	gw := New(fc, Config{MaxRetries: 3})

	_, err := gw.Send(context.Background(), "+CFUN=1")
	if err != atproto.ErrError {
		t.Fatalf("got %v, want ErrError", err)
	}
	if len(fc.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on fatal error)", len(fc.calls))
	}
}

func TestGateway_LowMCUPacing(t *testing.T) {
	fc := &fakeClient{}
	gw := New(fc, Config{LowMCU: true, PreDelay: 20 * time.Millisecond, PostDelay: 20 * time.Millisecond, MaxRetries: 1})

	start := time.Now()
	if _, err := gw.Send(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("elapsed = %v, want at least ~40ms of pacing", elapsed)
	}
}

func TestGateway_SerialisesConcurrentSends(t *testing.T) {
	fc := &fakeClient{}
	gw := New(fc, Config{MaxRetries: 1})

	done := make(chan struct{})
	go func() {
		gw.Send(context.Background(), "A")
		close(done)
	}()
	gw.Send(context.Background(), "B")
	<-done

	if len(fc.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(fc.calls))
	}
}
