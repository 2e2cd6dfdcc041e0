// Package flashprog implements an erase-before-program flash pipeline:
// erase-verify, strictly append-only word programming with read-back
// verification, a deferred-first-word buffer that makes an interrupted
// upload detectable, and a running region checksum.
package flashprog

import (
	"errors"
	"fmt"

	"fcboot.dev/crc32ieee"
)

// Sentinel is the erased-flash word value.
const Sentinel uint32 = 0xFFFFFFFF

var (
	// ErrOutOfRange is returned when an append would write past the end of
	// the application region.
	ErrOutOfRange = errors.New("flashprog: write out of range")
	// ErrReadback is returned when a written word does not read back as
	// written.
	ErrReadback = errors.New("flashprog: read-back mismatch")
	// ErrEraseVerify is returned when erase-all fails to leave every word
	// in the region as the erased sentinel.
	ErrEraseVerify = errors.New("flashprog: erase verify failed")
)

// Sector describes one erasable unit of the application region.
type Sector struct {
	Offset uint32
	Size   uint32
}

// Device is the MCU-specific flash driver contract this pipeline is built
// on top of. A zero-sized terminator Sector (returned at the end of
// SectorMap) is not required; SectorMap should return exactly the sectors
// that cover the region.
type Device interface {
	SectorMap() []Sector
	EraseSector(s Sector) error
	ReadWord(offset uint32) (uint32, error)
	WriteWord(offset uint32, v uint32) error
}

// Pipeline is the programming state machine for one application region of
// size FWSize bytes, addressed at word (4-byte) granularity.
type Pipeline struct {
	dev    Device
	fwSize uint32

	writeCursor uint32
	firstWord   uint32
}

// New constructs a pipeline over dev for a region of fwSize bytes. The
// write cursor starts at fwSize (forcing an erase before any write is
// accepted) and the deferred first word starts at the sentinel.
func New(dev Device, fwSize uint32) *Pipeline {
	return &Pipeline{
		dev:         dev,
		fwSize:      fwSize,
		writeCursor: fwSize,
		firstWord:   Sentinel,
	}
}

// WriteCursor returns the byte offset of the next word to be written.
func (p *Pipeline) WriteCursor() uint32 { return p.writeCursor }

// FirstWord returns the deferred value for offset 0, or Sentinel if no
// deferred write is pending.
func (p *Pipeline) FirstWord() uint32 { return p.firstWord }

// Erase unlocks and erases every sector, leaving the write cursor and
// deferred first word untouched. Callers that want to distinguish the
// erase phase from the verify phase (for example to drive a status LED
// differently across the two) call Erase then VerifyErase; EraseAll does
// both in sequence for callers that don't care about the distinction.
func (p *Pipeline) Erase() error {
	for _, s := range p.dev.SectorMap() {
		if s.Size == 0 {
			break
		}
		if err := p.dev.EraseSector(s); err != nil {
			return fmt.Errorf("flashprog: erase sector at %#x: %w", s.Offset, err)
		}
	}
	return nil
}

// VerifyErase confirms every word in [0, fwSize) reads back as Sentinel.
// On success the write cursor resets to 0 and the deferred first word
// resets to Sentinel.
func (p *Pipeline) VerifyErase() error {
	for off := uint32(0); off < p.fwSize; off += 4 {
		v, err := p.dev.ReadWord(off)
		if err != nil {
			return fmt.Errorf("flashprog: post-erase read at %#x: %w", off, err)
		}
		if v != Sentinel {
			return fmt.Errorf("%w: word at %#x reads %#x", ErrEraseVerify, off, v)
		}
	}
	p.writeCursor = 0
	p.firstWord = Sentinel
	return nil
}

// EraseAll runs Erase followed by VerifyErase.
func (p *Pipeline) EraseAll() error {
	if err := p.Erase(); err != nil {
		return err
	}
	return p.VerifyErase()
}

// Append writes words at the current cursor, advancing it by 4 bytes per
// word. If the cursor is at 0, the first word is stashed into the deferred
// buffer and 0xFFFFFFFF is written in its place instead, so offset 0 is
// never written except from Finalize.
//
// Each word is written then immediately read back; a mismatch aborts
// without rolling back prior words already written in this call.
func (p *Pipeline) Append(words []uint32) error {
	need := uint32(len(words)) * 4
	if p.writeCursor+need > p.fwSize {
		return ErrOutOfRange
	}
	deferFirst := p.writeCursor == 0 && len(words) > 0
	for i, w := range words {
		off := p.writeCursor
		v := w
		if deferFirst && i == 0 {
			p.firstWord = w
			v = Sentinel
		}
		if err := p.dev.WriteWord(off, v); err != nil {
			return fmt.Errorf("flashprog: write at %#x: %w", off, err)
		}
		got, err := p.dev.ReadWord(off)
		if err != nil {
			return fmt.Errorf("flashprog: read-back at %#x: %w", off, err)
		}
		if got != v {
			return fmt.Errorf("%w: at %#x wrote %#x read %#x", ErrReadback, off, v, got)
		}
		p.writeCursor += 4
	}
	return nil
}

// Finalize writes the deferred first word at offset 0, if any, verifying
// the read-back. It is called only from the BOOT handler.
func (p *Pipeline) Finalize() error {
	if p.firstWord == Sentinel {
		return nil
	}
	if err := p.dev.WriteWord(0, p.firstWord); err != nil {
		return fmt.Errorf("flashprog: finalize write: %w", err)
	}
	got, err := p.dev.ReadWord(0)
	if err != nil {
		return fmt.Errorf("flashprog: finalize read-back: %w", err)
	}
	if got != p.firstWord {
		return fmt.Errorf("%w: finalize wrote %#x read %#x", ErrReadback, p.firstWord, got)
	}
	p.firstWord = Sentinel
	return nil
}

// Checksum runs the CRC32 engine over flash bytes [0, length), substituting
// the deferred first word for offset 0 when one is pending.
func (p *Pipeline) Checksum(length uint32) (uint32, error) {
	var c crc32ieee.Checksum
	var buf [4]byte
	for off := uint32(0); off < length; off += 4 {
		v, err := p.dev.ReadWord(off)
		if err != nil {
			return 0, fmt.Errorf("flashprog: checksum read at %#x: %w", off, err)
		}
		if off == 0 && p.firstWord != Sentinel {
			v = p.firstWord
		}
		buf[0] = byte(v)
		buf[1] = byte(v >> 8)
		buf[2] = byte(v >> 16)
		buf[3] = byte(v >> 24)
		n := min(4, length-off)
		c.Write(buf[:n])
	}
	return c.Sum32(), nil
}
