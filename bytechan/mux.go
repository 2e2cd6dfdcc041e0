// Package bytechan implements a byte-channel multiplexer: a unified
// non-blocking read and pinned write over the physical interfaces that
// deliver command frames to the bootloader. The first interface to deliver
// a byte is remembered and pinned for the remainder of the session; all
// replies go exclusively to that interface.
package bytechan

import "errors"

// Channel identifies a physical interface.
type Channel uint8

const (
	// None is the undefined channel: no interface has delivered a valid
	// command yet.
	None Channel = iota
	USB
	USART
)

// Source is a non-blocking byte source, typically backed by an
// interrupt-fed ring buffer (see package chanio).
type Source interface {
	// TryReadByte returns the next available byte without blocking. ok is
	// false if no byte is currently available.
	TryReadByte() (b byte, ok bool)
}

// Sink accepts a run of bytes for transmission.
type Sink interface {
	WriteBytes(buf []byte) error
}

// Backend pairs a Channel identity with its Source/Sink.
type Backend struct {
	Channel Channel
	Source  Source
	Sink    Sink
}

// ErrNotPinned is returned by WriteBytes when no channel has been pinned
// yet; it should never occur in a correctly driven session, because pinning
// always happens before the first reply is emitted.
var ErrNotPinned = errors.New("bytechan: no channel pinned")

// Mux multiplexes N backends until one of them is pinned by Pin, after
// which only that backend is polled or written to.
type Mux struct {
	backends []Backend
	active   Channel
	lastSrc  Channel
}

// NewMux constructs a multiplexer over the given backends. Until one is
// pinned, backends are polled in the order given and the first with a byte
// available wins.
func NewMux(backends ...Backend) *Mux {
	return &Mux{backends: backends, active: None}
}

// Active reports the currently pinned channel, or None if undefined.
func (m *Mux) Active() Channel {
	return m.active
}

// TryReadByte polls the active channel if one is pinned, or all backends in
// order otherwise. When unpinned and a backend delivers a byte, that
// backend's channel is remembered so a subsequent Pin call can pin it — see
// LastSource.
func (m *Mux) TryReadByte() (byte, bool) {
	if m.active != None {
		for _, be := range m.backends {
			if be.Channel == m.active {
				return be.Source.TryReadByte()
			}
		}
		return 0, false
	}
	for _, be := range m.backends {
		if b, ok := be.Source.TryReadByte(); ok {
			m.lastSrc = be.Channel
			return b, true
		}
	}
	return 0, false
}

// LastSource returns the channel that most recently delivered a byte while
// the mux was unpinned. It is scratch state consulted by Pin.
func (m *Mux) LastSource() Channel {
	return m.lastSrc
}

// Pin fixes the active channel to the last channel to deliver a byte, if no
// channel is pinned yet. Pinning an already-pinned mux is a no-op.
func (m *Mux) Pin() {
	if m.active == None {
		m.active = m.lastSrc
	}
}

// WriteBytes writes exclusively to the pinned channel. It is a no-op
// returning ErrNotPinned if no channel has been pinned, which never happens
// during a legitimate response since Pin precedes the first reply.
func (m *Mux) WriteBytes(buf []byte) error {
	if m.active == None {
		return ErrNotPinned
	}
	for _, be := range m.backends {
		if be.Channel == m.active {
			return be.Sink.WriteBytes(buf)
		}
	}
	return ErrNotPinned
}
