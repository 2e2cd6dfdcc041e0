// Package bootloader implements the command dispatcher: the main state
// machine that reads an opcode byte, selects a handler, enforces
// per-command timeouts and framing, emits the wire reply, and manages the
// session timeout. It is the component everything else in this module
// exists to serve.
package bootloader

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"fcboot.dev/bytechan"
	"fcboot.dev/cbcdec"
	"fcboot.dev/flashprog"
	"fcboot.dev/frame"
	"fcboot.dev/keystate"
	"fcboot.dev/led"
	"fcboot.dev/timer"
)

// Outcome is the tagged result every opcode handler returns: it carries
// enough information for the dispatcher to pick the right wire status and
// decide whether the session timeout should be cleared.
type Outcome uint8

const (
	// Ok: the command succeeded; reply INSYNC/OK and clear the session
	// timeout permanently.
	Ok Outcome = iota
	// Invalid: malformed framing, bad length, timeout, or out-of-range
	// argument; reply INSYNC/INVALID, session timeout untouched.
	Invalid
	// Failed: read-back mismatch, CRC mismatch, erase-verify failure, or
	// missing boot-delay signature; reply INSYNC/FAILED, session timeout
	// untouched.
	Failed
	// BadKey: encrypted write attempted with a zeroed key; reply
	// INSYNC/BAD_KEY, session timeout untouched.
	BadKey
	// BadSilicon: errata-affected revision on a gated board; reply
	// INSYNC/BAD_SILICON, session timeout untouched.
	BadSilicon
	// Silent: unknown opcode; no reply at all, session timeout untouched.
	Silent
)

// Exit describes why Run returned.
type Exit uint8

const (
	// ExitBooted means BOOT succeeded; the caller should jump to the
	// installed application.
	ExitBooted Exit = iota
	// ExitTimeout means the session timeout expired with no successful
	// command received; the caller should attempt to jump to the
	// installed application if one exists.
	ExitTimeout
	// ExitContext means ctx was canceled.
	ExitContext
)

// Board holds the board-identification data a concrete MCU port supplies
// at startup: GET_DEVICE sub-args, GET_CHIP, GET_CHIP_DES, and the optional
// silicon-errata gate.
type Board struct {
	ID              uint32
	Rev             uint32
	FWSize          uint32
	VectorTable     [4]uint32 // words 7..10, returned by GET_DEVICE sub-arg 5
	ChipID          uint32
	ChipDescription string
	// SiliconCheck, if non-nil, is consulted by CHIP_ERASE; returning
	// false fails the command with BadSilicon.
	SiliconCheck func() bool
}

// OTPReader reads the one-time-programmable region (GET_OTP).
type OTPReader interface {
	ReadOTP(index uint32) (uint32, error)
}

// UDIDReader reads the unique-device-ID region (GET_SN).
type UDIDReader interface {
	ReadUDID(index uint32) (uint32, error)
}

// DelayPatcher is the boot-delay signature capability consulted by
// SET_DELAY. Installing SIG1/SIG2 is the installed application's job, not
// the bootloader's, so this interface deliberately has no operation to
// write them.
type DelayPatcher interface {
	PatchDelayLowByte(seconds byte) error
}

// Session bundles all per-connection state into one value owned by the
// dispatcher and passed by exclusive reference to handlers.
type Session struct {
	Mux    *bytechan.Mux
	Timers *timer.Bank
	LED    led.Sink
	Flash  *flashprog.Pipeline
	OTP    OTPReader
	UDID   UDIDReader
	Delay  DelayPatcher
	Board  Board
	Log    *slog.Logger

	// Keys and Dec are present only for sessions that support the
	// encrypted opcodes (SET_IV, PROG_MULTI_ENCRYPTED, CHECK_KEY). A nil
	// value here means this session's board was not built with
	// encryption support; see DESIGN.md "Encrypted-build variant".
	Keys keystate.Keys
	Dec  *cbcdec.Decryptor

	mu             sync.Mutex
	ledMode        led.Mode
	sessionCleared bool
	declaredLength uint32
	declaredCRC    uint32
}

func (s *Session) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Session) setLED(m led.Mode) {
	s.mu.Lock()
	s.ledMode = m
	s.mu.Unlock()
	// Blink is not forwarded: runLED toggles the sink On/Off itself.
	if s.LED != nil && m != led.Blink {
		s.LED.Set(m)
	}
}

// Run is the bootloader(timeout) entry point. It drives the dispatch loop
// until BOOT succeeds, the session timeout expires with no successful
// command received, or ctx is canceled.
func Run(ctx context.Context, s *Session, timeout time.Duration) (Exit, error) {
	stop := make(chan struct{})
	defer close(stop)
	go s.Timers.Run(stop, time.Millisecond)
	go s.runLED(stop)

	if timeout > 0 {
		s.Timers.Set(timer.SessionWait, timeout)
	}

	for {
		select {
		case <-ctx.Done():
			return ExitContext, ctx.Err()
		default:
		}

		s.setLED(led.Blink)
		opcode, err := frame.ReadByte(s.Mux, s.Timers, timeoutIdle)
		if err != nil {
			if timeout > 0 && !s.sessionTimeoutCleared() && s.Timers.Expired(timer.SessionWait) {
				return ExitTimeout, nil
			}
			continue
		}
		s.setLED(led.On)

		// Pinning happens on the first byte received by this session,
		// regardless of whether the command that follows is valid: the
		// reply channel must be fixed before the very first reply goes
		// out, even when that reply is INVALID.
		s.Mux.Pin()

		data, outcome := s.dispatch(opcode)

		exit, shouldExit := s.reply(opcode, data, outcome)
		if shouldExit {
			return exit, nil
		}
	}
}

func (s *Session) sessionTimeoutCleared() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionCleared
}

func (s *Session) clearSessionTimeout() {
	s.mu.Lock()
	s.sessionCleared = true
	s.mu.Unlock()
}

func (s *Session) reply(opcode byte, data []byte, outcome Outcome) (Exit, bool) {
	var status frame.Status
	switch outcome {
	case Ok:
		status = frame.OK
	case Invalid:
		status = frame.Invalid
	case Failed:
		status = frame.Failed
	case BadKey:
		status = frame.BadKey
	case BadSilicon:
		status = frame.BadSilicon
	case Silent:
		return 0, false
	default:
		status = frame.Invalid
	}
	if err := frame.Reply(s.Mux, data, status); err != nil {
		s.logger().Warn("bootloader: write reply failed", "err", err)
	}
	if outcome != Ok {
		s.logger().Debug("bootloader: command result", "opcode", opcode, "outcome", outcome)
		return 0, false
	}
	s.clearSessionTimeout()
	if opcode == opBoot {
		s.Timers.Delay(100 * time.Millisecond)
		return ExitBooted, true
	}
	return 0, false
}

func (s *Session) dispatch(opcode byte) (data []byte, outcome Outcome) {
	switch opcode {
	case opGetSync:
		return s.handleGetSync()
	case opGetDevice:
		return s.handleGetDevice()
	case opChipErase:
		return s.handleChipErase()
	case opProgMulti:
		return s.handleProgMulti()
	case opGetCRC:
		return s.handleGetCRC()
	case opGetOTP:
		return s.handleGetOTP()
	case opGetSN:
		return s.handleGetSN()
	case opGetChip:
		return s.handleGetChip()
	case opGetChipDes:
		return s.handleGetChipDes()
	case opSetDelay:
		return s.handleSetDelay()
	case opBoot:
		return s.handleBoot()
	case opDebug:
		return s.handleDebug()
	case opSetIV:
		return s.handleSetIV()
	case opProgMultiEncrypted:
		return s.handleProgMultiEncrypted()
	case opCheckCRC:
		return s.handleCheckCRC()
	case opCheckKey:
		return s.handleCheckKey()
	default:
		return nil, Silent
	}
}

// --- LED policy ---

func (s *Session) runLED(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		s.mu.Lock()
		mode := s.ledMode
		s.mu.Unlock()
		if mode != led.Blink {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if s.Timers.Expired(timer.LED) {
			if s.LED != nil {
				s.LED.Set(led.On)
			}
			s.Timers.Set(timer.LED, 50*time.Millisecond)
			time.Sleep(25 * time.Millisecond)
			if s.LED != nil {
				s.LED.Set(led.Off)
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// --- argument helpers ---

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

var errBadEOC = errors.New("bootloader: missing EOC")

func (s *Session) expectEOC(timeout time.Duration) error {
	if !frame.ExpectEOC(s.Mux, s.Timers, timeout) {
		return errBadEOC
	}
	return nil
}

// --- handlers ---

func (s *Session) handleGetSync() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	return nil, Ok
}

func (s *Session) handleGetDevice() ([]byte, Outcome) {
	sub, err := frame.ReadByte(s.Mux, s.Timers, timeoutGetDeviceArg)
	if err != nil {
		return nil, Invalid
	}
	var data []byte
	switch sub {
	case deviceProtocolVersion:
		data = le32(ProtocolVersion)
	case deviceBoardID:
		data = le32(s.Board.ID)
	case deviceBoardRev:
		data = le32(s.Board.Rev)
	case deviceFWSize:
		data = le32(s.Board.FWSize)
	case deviceVectorTable:
		data = make([]byte, 16)
		for i, w := range s.Board.VectorTable {
			binary.LittleEndian.PutUint32(data[i*4:], w)
		}
	default:
		// Still must consume the EOC to stay framed, then report Invalid.
		s.expectEOC(timeoutEOCSimple)
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	return data, Ok
}

func (s *Session) handleChipErase() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	if s.Board.SiliconCheck != nil && !s.Board.SiliconCheck() {
		return nil, BadSilicon
	}
	s.setLED(led.On)
	if err := s.Flash.Erase(); err != nil {
		s.logger().Warn("bootloader: chip erase failed", "err", err)
		return nil, Failed
	}
	s.setLED(led.Off)
	if err := s.Flash.VerifyErase(); err != nil {
		s.logger().Warn("bootloader: erase verify failed", "err", err)
		return nil, Failed
	}
	return nil, Ok
}

func (s *Session) handleProgMulti() ([]byte, Outcome) {
	n, err := frame.ReadByte(s.Mux, s.Timers, timeoutProgMultiLen)
	if err != nil {
		return nil, Invalid
	}
	if n == 0 || n%4 != 0 {
		// Still drain the frame as best-effort so the channel stays in
		// sync for the next command, then report Invalid.
		frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, int(n))
		s.expectEOC(timeoutEOCProgMulti)
		return nil, Invalid
	}
	payload, err := frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, int(n))
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCProgMulti); err != nil {
		return nil, Invalid
	}
	words := bytesToWordsLE(payload)
	if err := s.Flash.Append(words); err != nil {
		s.logger().Warn("bootloader: prog_multi append failed", "err", err)
		return nil, Failed
	}
	if s.Keys != nil {
		if err := keystate.Zero(s.Keys); err != nil {
			s.logger().Warn("bootloader: key zeroing failed", "err", err)
			return nil, Failed
		}
	}
	return nil, Ok
}

func (s *Session) handleGetCRC() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	sum, err := s.Flash.Checksum(s.Board.FWSize)
	if err != nil {
		return nil, Failed
	}
	return le32(sum), Ok
}

func (s *Session) handleGetOTP() ([]byte, Outcome) {
	idx, err := frame.ReadWordLE(s.Mux, s.Timers, timeoutAddrWord)
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	if s.OTP == nil {
		return nil, Invalid
	}
	v, err := s.OTP.ReadOTP(idx)
	if err != nil {
		return nil, Invalid
	}
	return le32(v), Ok
}

func (s *Session) handleGetSN() ([]byte, Outcome) {
	idx, err := frame.ReadWordLE(s.Mux, s.Timers, timeoutAddrWord)
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	if s.UDID == nil {
		return nil, Invalid
	}
	v, err := s.UDID.ReadUDID(idx)
	if err != nil {
		return nil, Invalid
	}
	return le32(v), Ok
}

func (s *Session) handleGetChip() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	return le32(s.Board.ChipID), Ok
}

func (s *Session) handleGetChipDes() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	des := []byte(s.Board.ChipDescription)
	data := append(le32(uint32(len(des))), des...)
	return data, Ok
}

func (s *Session) handleSetDelay() ([]byte, Outcome) {
	seconds, err := frame.ReadByte(s.Mux, s.Timers, timeoutSetDelayArg)
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	if seconds > BootDelayMax {
		return nil, Invalid
	}
	if s.Delay == nil {
		return nil, Failed
	}
	if err := s.Delay.PatchDelayLowByte(seconds); err != nil {
		return nil, Failed
	}
	return nil, Ok
}

func (s *Session) handleBoot() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCBoot); err != nil {
		return nil, Invalid
	}
	if err := s.Flash.Finalize(); err != nil {
		s.logger().Warn("bootloader: finalize failed", "err", err)
		return nil, Failed
	}
	return nil, Ok
}

func (s *Session) handleDebug() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	return nil, Ok
}

func (s *Session) handleSetIV() ([]byte, Outcome) {
	if s.Dec == nil {
		s.expectEOC(timeoutEOCSimple)
		return nil, Invalid
	}
	buf, err := frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, 16)
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	var iv [16]byte
	copy(iv[:], buf)
	s.Dec.SetIV(iv)
	return nil, Ok
}

func (s *Session) handleProgMultiEncrypted() ([]byte, Outcome) {
	if s.Dec == nil {
		s.expectEOC(timeoutEOCSimple)
		return nil, Invalid
	}
	if s.Keys != nil {
		state, err := keystate.Validate(s.Keys)
		if err != nil {
			return nil, Failed
		}
		if state == keystate.Invalid {
			// Still drain the frame so the channel stays in sync.
			n, lerr := frame.ReadByte(s.Mux, s.Timers, timeoutProgMultiLen)
			if lerr == nil {
				frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, int(n))
				s.expectEOC(timeoutEOCProgMulti)
			}
			return nil, BadKey
		}
	}
	n, err := frame.ReadByte(s.Mux, s.Timers, timeoutProgMultiLen)
	if err != nil {
		return nil, Invalid
	}
	// MaxLen itself is rejected along with anything larger: the bound is
	// strict, and this is wire behavior. Together with the multiple-of-16
	// check, the largest accepted payload is 240 bytes.
	if n == 0 || n%16 != 0 || uint32(n) >= cbcdec.MaxLen {
		frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, int(n))
		s.expectEOC(timeoutEOCProgMulti)
		return nil, Invalid
	}
	ciphertext, err := frame.ReadPayload(s.Mux, s.Timers, timeoutProgMultiByte, int(n))
	if err != nil {
		return nil, Invalid
	}
	if err := s.expectEOC(timeoutEOCProgMulti); err != nil {
		return nil, Invalid
	}
	plaintext, err := s.Dec.Decrypt(ciphertext)
	if err != nil {
		return nil, Invalid
	}
	if s.Flash.WriteCursor() == 0 {
		hdr, body, err := cbcdec.ExtractHeader(plaintext)
		if err != nil {
			return nil, Invalid
		}
		if hdr.DeclaredLength > s.Board.FWSize {
			return nil, Failed
		}
		s.mu.Lock()
		s.declaredLength = hdr.DeclaredLength
		s.declaredCRC = hdr.DeclaredCRC
		s.mu.Unlock()
		plaintext = body
	}
	words := bytesToWordsLE(plaintext)
	if err := s.Flash.Append(words); err != nil {
		s.logger().Warn("bootloader: encrypted append failed", "err", err)
		return nil, Failed
	}
	return nil, Ok
}

func (s *Session) handleCheckCRC() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	s.mu.Lock()
	length, want := s.declaredLength, s.declaredCRC
	s.mu.Unlock()
	got, err := s.Flash.Checksum(length)
	if err != nil || got != want {
		return nil, Failed
	}
	return nil, Ok
}

func (s *Session) handleCheckKey() ([]byte, Outcome) {
	if err := s.expectEOC(timeoutEOCSimple); err != nil {
		return nil, Invalid
	}
	if s.Keys == nil {
		return nil, Invalid
	}
	state, err := keystate.Validate(s.Keys)
	if err != nil {
		return nil, Failed
	}
	if state == keystate.Invalid {
		return nil, BadKey
	}
	return nil, Ok
}

func bytesToWordsLE(buf []byte) []uint32 {
	words := make([]uint32, len(buf)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return words
}
