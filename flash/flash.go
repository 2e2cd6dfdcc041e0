// Package flash implements an in-process simulator of the flash regions the
// bootloader engine touches: the application region programmed by
// flashprog.Pipeline, the one-time-programmable (OTP) and unique-device-ID
// (UDID) regions read by GET_OTP/GET_SN, the optional boot-delay signature
// words patched by SET_DELAY, and the optional 16-byte cipher key consulted
// by package keystate.
//
// It exists purely as a reference "real MCU" shape for tests, the CLI
// simulator, and local development; it is not itself part of the protocol
// engine's contract (that contract is flashprog.Device / keystate.Keys).
package flash

import (
	"errors"
	"fmt"

	"fcboot.dev/flashprog"
)

// SectorSize is the erase granularity used by the simulator. Real boards
// have a non-uniform sector map; a uniform map is sufficient to exercise
// the pipeline's erase-verify discipline.
const SectorSize = 1024

// Boot-delay signature magic words, installed by the application at its
// first boot to opt into SET_DELAY support.
const (
	Sig1Magic = 0x5041524B // arbitrary but fixed "magic present" markers
	Sig2Magic = 0x424F4F54
)

var (
	// ErrOutOfRange is returned by OTP/UDID reads outside their region.
	ErrOutOfRange = errors.New("flash: address out of range")
)

// Region simulates one board's flash memory.
type Region struct {
	app       []uint32 // application region, word-addressed
	otp       []uint32
	udid      []uint32
	sig1      uint32
	sig2      uint32
	sigPresent bool
	key       [16]byte
	chipID    uint32
}

// NewRegion constructs a simulated flash region sized fwSize bytes, with
// otpWords words of OTP and udidWords words of UDID storage. The
// application region and OTP start fully erased (all 0xFF); UDID is
// fixed factory data and is never erased.
func NewRegion(fwSize uint32, otpWords, udidWords int, chipID uint32) *Region {
	r := &Region{
		app:    make([]uint32, fwSize/4),
		otp:    make([]uint32, otpWords),
		udid:   make([]uint32, udidWords),
		chipID: chipID,
	}
	for i := range r.app {
		r.app[i] = flashprog.Sentinel
	}
	for i := range r.otp {
		r.otp[i] = flashprog.Sentinel
	}
	for i := range r.udid {
		// Factory UDID looks arbitrary but deterministic; not all-FF so
		// tests can distinguish it from erased OTP.
		r.udid[i] = 0xC0FFEE00 + uint32(i)
	}
	return r
}

// --- flashprog.Device ---

func (r *Region) SectorMap() []flashprog.Sector {
	total := uint32(len(r.app)) * 4
	var sectors []flashprog.Sector
	for off := uint32(0); off < total; off += SectorSize {
		size := SectorSize
		if off+SectorSize > total {
			size = int(total - off)
		}
		sectors = append(sectors, flashprog.Sector{Offset: off, Size: uint32(size)})
	}
	return sectors
}

func (r *Region) EraseSector(s flashprog.Sector) error {
	start := s.Offset / 4
	end := (s.Offset + s.Size) / 4
	for i := start; i < end && i < uint32(len(r.app)); i++ {
		r.app[i] = flashprog.Sentinel
	}
	return nil
}

func (r *Region) ReadWord(offset uint32) (uint32, error) {
	idx := offset / 4
	if idx >= uint32(len(r.app)) {
		return 0, fmt.Errorf("%w: app offset %#x", ErrOutOfRange, offset)
	}
	return r.app[idx], nil
}

func (r *Region) WriteWord(offset uint32, v uint32) error {
	idx := offset / 4
	if idx >= uint32(len(r.app)) {
		return fmt.Errorf("%w: app offset %#x", ErrOutOfRange, offset)
	}
	// Flash can only clear bits without an erase.
	r.app[idx] &= v
	return nil
}

// --- keystate.Keys ---

func (r *Region) ReadKey() ([16]byte, error) {
	return r.key, nil
}

func (r *Region) ZeroKey() error {
	for i := range r.key {
		r.key[i] = 0
	}
	return nil
}

// SetKey installs a key, for test/simulator setup only; real firmware has
// no command that writes a non-zero key.
func (r *Region) SetKey(key [16]byte) {
	r.key = key
}

// --- OTP / UDID / signature / chip ID ---

func (r *Region) ReadOTP(index uint32) (uint32, error) {
	if index >= uint32(len(r.otp)) {
		return 0, fmt.Errorf("%w: otp index %d", ErrOutOfRange, index)
	}
	return r.otp[index], nil
}

func (r *Region) ReadUDID(index uint32) (uint32, error) {
	if index >= uint32(len(r.udid)) {
		return 0, fmt.Errorf("%w: udid index %d", ErrOutOfRange, index)
	}
	return r.udid[index], nil
}

func (r *Region) ChipID() uint32 { return r.chipID }

// InstallBootDelaySignature writes SIG1/SIG2 as an installing application
// would at its first boot; the bootloader itself never installs them.
func (r *Region) InstallBootDelaySignature() {
	r.sig1 = Sig1Magic
	r.sig2 = Sig2Magic
	r.sigPresent = true
}

// PatchDelayLowByte overwrites the low byte of SIG1 with seconds, failing
// if the signature words are not present.
func (r *Region) PatchDelayLowByte(seconds byte) error {
	if !r.sigPresent {
		return errors.New("flash: boot-delay signature not present")
	}
	r.sig1 = (r.sig1 &^ 0xFF) | uint32(seconds)
	return nil
}

// BootDelaySignaturePresent reports whether SIG1/SIG2 both hold their
// magic values.
func (r *Region) BootDelaySignaturePresent() bool {
	return r.sigPresent && r.sig1&0xFFFFFF00 == Sig1Magic&0xFFFFFF00 && r.sig2 == Sig2Magic
}
