package coupler

import (
	"context"
	"sync"
	"testing"
)

// fakeClient is a minimal atproto.Client recording every command line it
// sees and returning a canned response keyed by exact match.
type fakeClient struct {
	mu        sync.Mutex
	responses map[string][]string
	sent      []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: map[string][]string{}}
}

func (f *fakeClient) Send(ctx context.Context, cmdLine string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmdLine)
	return f.responses[cmdLine], nil
}

func (f *fakeClient) count(cmdLine string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s == cmdLine {
			n++
		}
	}
	return n
}
