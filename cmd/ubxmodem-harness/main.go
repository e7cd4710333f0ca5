// Command ubxmodem-harness is a manual test rig: it opens a pseudo-terminal
// and answers this driver's AT vocabulary on it, standing in for real u-blox
// firmware so cmd/ubxmodem (or any other AT client) can be pointed at the
// printed tty path without hardware attached.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aymanbagabas/go-pty"
	"github.com/jessevdk/go-flags"
)

type Options struct {
	Verbose  []bool `short:"v" long:"verbose" description:"log every command/response line"`
	RegDelay int    `short:"R" long:"reg-delay" description:"milliseconds before +CGREG?/+CGATT? report registered/attached" default:"500"`
}

var options Options

func logLine(format string, args ...interface{}) {
	if len(options.Verbose) > 0 {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}

// modemSim holds the small amount of state the harness pretends a real
// SARA/TOBY modem would track: registration timing and the open sockets'
// peer handles, so URCs can be emitted asynchronously the way real firmware
// does rather than as synchronous command replies.
type modemSim struct {
	mu       sync.Mutex
	w        io.Writer
	start    time.Time
	regDelay time.Duration
	sockets  map[int]bool // peer handle -> open
}

func newModemSim(w io.Writer, regDelay time.Duration) *modemSim {
	return &modemSim{w: w, start: time.Now(), regDelay: regDelay, sockets: map[int]bool{}}
}

func (m *modemSim) emit(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	logLine("tx: %s", line)
	io.WriteString(m.w, line+"\r\n")
}

func (m *modemSim) registered() bool {
	return time.Since(m.start) >= m.regDelay
}

// freeSet reports which of the six peer handles are not currently open.
func (m *modemSim) freeSet() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var mask uint8
	for h := 1; h <= 6; h++ {
		if !m.sockets[h] {
			mask |= 1 << uint(h-1)
		}
	}
	return mask
}

// canOpenBeacon periodically announces free peer handles, the same way real
// firmware pushes +MIPCANOPEN unsolicited whenever a handle becomes free.
func (m *modemSim) canOpenBeacon(stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.emit("+MIPCANOPEN: %d", m.freeSet())
		}
	}
}

func (m *modemSim) handle(line string) {
	if !strings.HasPrefix(line, "AT") {
		return
	}
	cmd := strings.TrimPrefix(line, "AT")
	logLine("rx: %s", line)

	switch {
	case cmd == "":
		m.emit("OK")

	case cmd == "+CGMM":
		m.emit("+CGMM: SARA-R422M8S")
		m.emit("OK")
	case cmd == "+CGMR":
		m.emit("+CGMR: L0.0.00.00.05.08")
		m.emit("OK")
	case cmd == "+CCID":
		m.emit("+CCID: 89010004000000000000000000000000")
		m.emit("OK")
	case cmd == "+CPIN?":
		m.emit("+CPIN: READY")
		m.emit("OK")
	case cmd == "+CGREG?":
		if m.registered() {
			m.emit("+CGREG: 1,1")
		} else {
			m.emit("+CGREG: 1,2")
		}
		m.emit("OK")
	case cmd == "+CGATT?":
		if m.registered() {
			m.emit("+CGATT: 1")
		} else {
			m.emit("+CGATT: 0")
		}
		m.emit("OK")
	case cmd == "+COPS?":
		m.emit(`+COPS: 0,0,"ubxmodem-harness"`)
		m.emit("OK")
	case cmd == "+MIPCANOPEN?":
		m.emit("+MIPCANOPEN: %d", m.freeSet())
		m.emit("OK")

	case strings.HasPrefix(cmd, `+MIPDNS=`):
		host := cmd[strings.LastIndex(cmd, ",")+1:]
		m.emit("+MIPDNS: %s,93.184.216.34", host)
		m.emit("OK")

	case strings.HasPrefix(cmd, "+MIPOPEN="):
		args := strings.SplitN(strings.TrimPrefix(cmd, "+MIPOPEN="), ",", 2)
		id, err := strconv.Atoi(args[0])
		if err != nil {
			m.emit("ERROR")
			return
		}
		m.mu.Lock()
		m.sockets[id] = true
		m.mu.Unlock()
		m.emit("OK")
		go func() {
			time.Sleep(50 * time.Millisecond)
			m.emit("+MIPOPEN: %d", id)
		}()

	case strings.HasPrefix(cmd, "+MIPSEND="):
		args := strings.SplitN(strings.TrimPrefix(cmd, "+MIPSEND="), ",", 3)
		if len(args) < 1 {
			m.emit("ERROR")
			return
		}
		id, err := strconv.Atoi(args[0])
		if err != nil {
			m.emit("ERROR")
			return
		}
		m.emit("OK")
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.emit("+MIPSEND: %d,0", id)
		}()

	case strings.HasPrefix(cmd, "+MIPCLOSE="):
		id, err := strconv.Atoi(strings.TrimPrefix(cmd, "+MIPCLOSE="))
		if err != nil {
			m.emit("ERROR")
			return
		}
		m.mu.Lock()
		delete(m.sockets, id)
		m.mu.Unlock()
		m.emit("OK")
		go func() {
			time.Sleep(20 * time.Millisecond)
			m.emit("+MIPCLOSE: %d", id)
		}()

	default:
		// Every other command this driver issues (+CMEE=, +CFUN=, +CTZU=,
		// &K0/&K3, +MIPHEX=, +UPSD=, +UPSDA=) only needs a bare OK: nothing
		// downstream inspects their echoed value.
		m.emit("OK")
	}
}

func (m *modemSim) serve(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		m.handle(line)
	}
}

func main() {
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.ParseArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	tty, err := pty.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating pty: %v\n", err)
		os.Exit(1)
	}
	defer tty.Close()

	fmt.Printf("ubxmodem-harness listening on %s\n", tty.Name())
	fmt.Println("point cmd/ubxmodem -t <that path> at it, press Ctrl+C to stop")

	sim := newModemSim(tty, time.Duration(options.RegDelay)*time.Millisecond)

	stop := make(chan struct{})
	go sim.canOpenBeacon(stop)
	go sim.serve(tty)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)
}
