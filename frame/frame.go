// Package frame implements the wire framing primitives and canned reply
// emitter: timeout-bounded byte/word/payload reads over a bytechan.Source,
// the end-of-command sentinel check, and the two-byte INSYNC-prefixed
// status replies.
package frame

import (
	"errors"
	"time"

	"fcboot.dev/bytechan"
	"fcboot.dev/timer"
)

// ErrTimeout is returned by ReadByte when the timer expires before a byte
// arrives.
var ErrTimeout = errors.New("frame: read timeout")

const (
	// Insync prefixes every device-to-host reply status byte.
	Insync byte = 0x12
	// EOC is the end-of-command sentinel terminating every host-to-device
	// frame.
	EOC byte = 0x20
)

// Status is a canonical two-byte reply status.
type Status byte

const (
	OK         Status = 0x10
	Failed     Status = 0x11
	Invalid    Status = 0x13
	BadSilicon Status = 0x14
	BadKey     Status = 0x15
)

// ReadByte polls src until a byte arrives or timeout elapses, using the
// CommandRead timer slot: the timer is loaded once on entry and the caller
// spins until either a byte is ready or the timer reaches zero. A timeout
// of 0 means a single non-blocking poll (the idle wait between commands).
func ReadByte(src bytechan.Source, timers *timer.Bank, timeout time.Duration) (byte, error) {
	if timeout <= 0 {
		if b, ok := src.TryReadByte(); ok {
			return b, nil
		}
		return 0, ErrTimeout
	}
	timers.Set(timer.CommandRead, timeout)
	for {
		if b, ok := src.TryReadByte(); ok {
			return b, nil
		}
		if timers.Expired(timer.CommandRead) {
			return 0, ErrTimeout
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// ReadWordLE reads four bytes and assembles them little-endian. Each byte
// independently gets the full timeout budget rather than sharing one
// deadline across the whole word.
func ReadWordLE(src bytechan.Source, timers *timer.Bank, timeout time.Duration) (uint32, error) {
	var w uint32
	for i := range 4 {
		b, err := ReadByte(src, timers, timeout)
		if err != nil {
			return 0, err
		}
		w |= uint32(b) << (8 * i)
	}
	return w, nil
}

// ReadPayload reads exactly n bytes, each independently timeout-bounded
// like ReadWordLE.
func ReadPayload(src bytechan.Source, timers *timer.Bank, timeout time.Duration, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		b, err := ReadByte(src, timers, timeout)
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// ExpectEOC reads one byte and reports whether it is the EOC sentinel.
func ExpectEOC(src bytechan.Source, timers *timer.Bank, timeout time.Duration) bool {
	b, err := ReadByte(src, timers, timeout)
	return err == nil && b == EOC
}

// Reply writes data (if any) followed by the INSYNC/status pair:
// data-bearing commands emit their payload before the trailing status.
func Reply(sink bytechan.Sink, data []byte, status Status) error {
	if len(data) > 0 {
		if err := sink.WriteBytes(data); err != nil {
			return err
		}
	}
	return sink.WriteBytes([]byte{Insync, byte(status)})
}
