// Command bootloaderd hosts the command dispatcher (package bootloader)
// against a real serial device or, for local development, an in-memory
// loopback pipe. It plays the role the rp2350/stm32 firmware itself plays
// in the wire protocol, answering a host-side flashing tool over USB-CDC
// or UART.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/fxamacker/cbor/v2"

	"fcboot.dev/bootloader"
	"fcboot.dev/bytechan"
	"fcboot.dev/cbcdec"
	"fcboot.dev/chanio"
	"fcboot.dev/flash"
	"fcboot.dev/flashprog"
	"fcboot.dev/timer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bootloaderd: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	var (
		device      = flag.String("device", "", "serial device path; empty uses an in-memory loopback for local testing")
		baud        = flag.Int("baud", 115200, "serial baud rate")
		fwSize      = flag.Uint("fw-size", 256*1024, "application flash region size, in bytes")
		otpWords    = flag.Int("otp-words", 64, "simulated OTP region size, in 32-bit words")
		udidWords   = flag.Int("udid-words", 4, "simulated UDID region size, in 32-bit words")
		boardID     = flag.Uint("board-id", 1, "value returned by GET_DEVICE sub-arg 2")
		boardRev    = flag.Uint("board-rev", 1, "value returned by GET_DEVICE sub-arg 3")
		chipID      = flag.Uint("chip-id", 0, "value returned by GET_CHIP")
		chipDes     = flag.String("chip-des", "fcboot-sim", "string returned by GET_CHIP_DES")
		timeout     = flag.Duration("timeout", 5*time.Second, "session timeout; 0 disables it")
		encrypted   = flag.Bool("encrypted", false, "wire in the encrypted-build opcodes (SET_IV, PROG_MULTI_ENCRYPTED, CHECK_KEY)")
		dumpSession = flag.String("dump-session", "", "on exit, write a CBOR session summary to this path")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))

	region := flash.NewRegion(uint32(*fwSize), *otpWords, *udidWords, uint32(*chipID))

	var src bytechan.Source
	var sink bytechan.Sink
	var closer func() error
	if *device != "" {
		s, err := chanio.OpenSerial(*device, *baud, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", *device, err)
		}
		src, sink, closer = s, s, s.Close
		log.Info("bootloaderd: opened serial device", "device", *device, "baud", *baud)
	} else {
		p := chanio.NewPipe(0)
		src, sink, closer = p, p, func() error { return nil }
		log.Info("bootloaderd: no -device given, using in-memory loopback")
	}
	defer closer()

	mux := bytechan.NewMux(bytechan.Backend{Channel: bytechan.USART, Source: src, Sink: sink})

	ledSink := openLED(log)

	sess := &bootloader.Session{
		Mux:    mux,
		Timers: newTimerBank(),
		LED:    ledSink,
		Flash:  flashprog.New(region, uint32(*fwSize)),
		OTP:    region,
		UDID:   region,
		Delay:  region,
		Board: bootloader.Board{
			ID:              uint32(*boardID),
			Rev:             uint32(*boardRev),
			FWSize:          uint32(*fwSize),
			ChipID:          uint32(*chipID),
			ChipDescription: *chipDes,
		},
		Log: log,
	}

	if *encrypted {
		key, err := region.ReadKey()
		if err != nil {
			return fmt.Errorf("read initial key: %w", err)
		}
		sess.Keys = region
		sess.Dec = cbcdec.New(key)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	exit, err := bootloader.Run(ctx, sess, *timeout)
	log.Info("bootloaderd: session ended", "exit", exitString(exit), "duration", time.Since(start))

	if *dumpSession != "" {
		if derr := dumpSessionSummary(*dumpSession, exit, err, time.Since(start)); derr != nil {
			log.Warn("bootloaderd: failed to write session dump", "err", derr)
		}
	}
	return err
}

// newTimerBank returns a fresh, unstarted timer bank; bootloader.Run owns
// its ticking goroutine for the lifetime of the session.
func newTimerBank() *timer.Bank {
	return &timer.Bank{}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func exitString(e bootloader.Exit) string {
	switch e {
	case bootloader.ExitBooted:
		return "booted"
	case bootloader.ExitTimeout:
		return "timeout"
	case bootloader.ExitContext:
		return "canceled"
	default:
		return "unknown"
	}
}

// sessionSummary is the CBOR-encoded record left behind by -dump-session,
// useful for CI harnesses that drive bootloaderd headlessly and want a
// machine-readable result without scraping logs.
type sessionSummary struct {
	Exit     string `cbor:"exit"`
	Error    string `cbor:"error,omitempty"`
	Duration string `cbor:"duration"`
}

func dumpSessionSummary(path string, exit bootloader.Exit, err error, d time.Duration) error {
	sum := sessionSummary{Exit: exitString(exit), Duration: d.String()}
	if err != nil {
		sum.Error = err.Error()
	}
	buf, merr := cbor.Marshal(sum)
	if merr != nil {
		return merr
	}
	return os.WriteFile(path, buf, 0o644)
}
