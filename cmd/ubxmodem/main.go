package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"go.bug.st/serial"

	"github.com/nayar-go/ubxmodem"
	"github.com/nayar-go/ubxmodem/atgateway"
	"github.com/nayar-go/ubxmodem/atproto"
	"github.com/nayar-go/ubxmodem/runner"
	"github.com/nayar-go/ubxmodem/state"
)

const defaultSocketRingSize = 512

type Options struct {
	Verbose    []bool `short:"v" long:"verbose" description:"Show verbose debug information"`
	TtyPath    string `short:"t" long:"tty" description:"serial device the modem is attached to" default:"/dev/ttyUSB0"`
	Baud       int    `short:"b" long:"baud" description:"serial baud rate" default:"115200"`
	LowMCU     bool   `short:"L" long:"low-mcu" description:"enable pre/post command pacing for slow host UARTs"`
	MaxRetries int    `short:"r" long:"retries" description:"AT command retries on framing errors" default:"3"`
	APN        string `short:"A" long:"apn" description:"packet-data APN name, empty to leave unconfigured"`
	PoolSize   int    `short:"n" long:"sockets" description:"number of local TCP socket handles to allocate" default:"4"`
	Trace      bool   `short:"T" long:"trace" description:"hex-dump all UART traffic to stderr"`
	Connect    bool   `short:"c" long:"connect" description:"converge to DataEstablished instead of just Initialised"`
}

var tini = time.Now()

func traceHook(prefix string) func([]byte) {
	return func(data []byte) {
		fmt.Fprintf(os.Stderr, "(%d) %s: % x\n", time.Since(tini).Milliseconds(), prefix, data)
	}
}

func main() {
	var options Options
	parser := flags.NewParser(&options, flags.Default)
	if _, err := parser.ParseArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	port, err := serial.Open(options.TtyPath, &serial.Mode{
		BaudRate: options.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", options.TtyPath, err)
		os.Exit(1)
	}
	defer port.Close()

	var uart io.ReadWriter = port
	if options.Trace {
		uart = atgateway.TraceUART(port, options.TtyPath, 50*time.Millisecond,
			traceHook("tx"), traceHook("rx"))
	}

	gwCfg := atgateway.DefaultConfig()
	gwCfg.LowMCU = options.LowMCU
	gwCfg.MaxRetries = options.MaxRetries

	runCfg := runner.Config{}
	if options.APN != "" {
		runCfg.APN = &atproto.APN{Name: options.APN}
	}

	logf := func(string, ...interface{}) {}
	if len(options.Verbose) > 0 {
		logf = func(format string, args ...interface{}) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		}
	}

	d, err := ubxmodem.New(ubxmodem.Config{
		Runner:         runCfg,
		Gateway:        gwCfg,
		SocketPoolSize: options.PoolSize,
		Logf:           logf,
	}, uart)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating driver: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	target := state.Initialised
	if options.Connect {
		target = state.DataEstablished
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Minute)
	defer waitCancel()
	if err := d.SetDesiredStateAndWait(waitCtx, target); err != nil {
		fmt.Fprintf(os.Stderr, "Error converging to %v: %v\n", target, err)
		os.Exit(1)
	}
	fmt.Printf("ubxmodem reached %v, link=%v\n", d.PowerState(), d.LinkState())

	if options.Connect {
		h, err := d.OpenSocket(defaultSocketRingSize, defaultSocketRingSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening socket: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("opened socket handle %v, use the driver API to Connect/Write/Read/Close it\n", h)
	}

	fmt.Println("ubxmodem running, press Ctrl+C to exit")
	<-ctx.Done()
	_ = d.SetDesiredStateAndWait(context.Background(), state.PowerDown)
}
