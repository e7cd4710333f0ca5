package ubxmodem

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/nayar-go/ubxmodem/runner"
	"github.com/nayar-go/ubxmodem/state"
)

// fakeModem answers AT command lines over conn with canned info+OK
// responses, standing in for real modem firmware. extra maps a command
// (without the "AT" prefix) to the info line(s) to emit before OK.
func fakeModem(conn net.Conn, extra map[string]string) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "AT") {
			continue
		}
		cmd := strings.TrimPrefix(line, "AT")
		if resp, ok := extra[cmd]; ok {
			io.WriteString(conn, resp+"\r\nOK\r\n")
		} else {
			io.WriteString(conn, "OK\r\n")
		}
	}
}

func TestDriver_NewRejectsNilUART(t *testing.T) {
	if _, err := New(Config{}, nil); err != ErrConfigRequired {
		t.Fatalf("err = %v, want ErrConfigRequired", err)
	}
}

func TestDriver_ConvergesToInitialisedEndToEnd(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go fakeModem(server, map[string]string{
		"+CGMM":  "+CGMM: SARA-R422M8S",
		"+CGMR":  "+CGMR: L0.0.00.00.05.08",
		"+CPIN?": "+CPIN: READY",
		"+CCID":  "+CCID: 89010004000000000000",
	})

	cfg := Config{
		Runner: runner.Config{
			BootWait:      20 * time.Millisecond,
			PowerOffPulse: 5 * time.Millisecond,
		},
	}
	d, err := New(cfg, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := d.SetDesiredStateAndWait(ctx, state.Initialised); err != nil {
		t.Fatalf("SetDesiredStateAndWait: %v", err)
	}
	if d.PowerState() != state.Initialised {
		t.Fatalf("PowerState = %v, want Initialised", d.PowerState())
	}
}
