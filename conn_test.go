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
	"github.com/nayar-go/ubxmodem/socket"
)

// fakeSocketModem answers the lifecycle commands like fakeModem, plus the
// socket vocabulary DialSocket exercises: it accepts one +MIPOPEN and echoes
// back the matching +MIPOPEN: <id> URC, and acks every +MIPSEND with a
// +MIPSEND: <id>,0 URC.
func fakeSocketModem(conn net.Conn) {
	io.WriteString(conn, "+MIPCANOPEN: 63\r\n")
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if !strings.HasPrefix(line, "AT") {
			continue
		}
		cmd := strings.TrimPrefix(line, "AT")
		switch {
		case cmd == "+CGMM":
			io.WriteString(conn, "+CGMM: SARA-R422M8S\r\nOK\r\n")
		case cmd == "+CGMR":
			io.WriteString(conn, "+CGMR: L0.0.00.00.05.08\r\nOK\r\n")
		case cmd == "+CPIN?":
			io.WriteString(conn, "+CPIN: READY\r\nOK\r\n")
		case cmd == "+CCID":
			io.WriteString(conn, "+CCID: 89010004000000000000\r\nOK\r\n")
		case strings.HasPrefix(cmd, "+MIPOPEN="):
			io.WriteString(conn, "OK\r\n+MIPOPEN: 1\r\n")
		case strings.HasPrefix(cmd, "+MIPSEND="):
			io.WriteString(conn, "OK\r\n+MIPSEND: 1,0\r\n")
		case strings.HasPrefix(cmd, "+MIPCLOSE="):
			io.WriteString(conn, "OK\r\n+MIPCLOSE: 1\r\n")
		default:
			io.WriteString(conn, "OK\r\n")
		}
	}
}

func TestDriver_DialSocketWithNagleConnectsAndWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go fakeSocketModem(server)

	d, err := New(Config{
		Runner: runner.Config{
			BootWait:      20 * time.Millisecond,
			PowerOffPulse: 5 * time.Millisecond,
		},
	}, client)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, conn, err := d.DialSocket(ctx, socket.Endpoint{IP: net.ParseIP("93.184.216.34"), Port: 80},
		64, 64, 1024, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("DialSocket: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
