package bytechan

import "testing"

type fakeSource struct {
	bytes []byte
}

func (f *fakeSource) TryReadByte() (byte, bool) {
	if len(f.bytes) == 0 {
		return 0, false
	}
	b := f.bytes[0]
	f.bytes = f.bytes[1:]
	return b, true
}

type fakeSink struct {
	written []byte
}

func (f *fakeSink) WriteBytes(buf []byte) error {
	f.written = append(f.written, buf...)
	return nil
}

func TestPinsFirstResponder(t *testing.T) {
	usbSrc := &fakeSource{}
	usartSrc := &fakeSource{bytes: []byte{0x21}}
	usbSink := &fakeSink{}
	usartSink := &fakeSink{}
	m := NewMux(
		Backend{Channel: USB, Source: usbSrc, Sink: usbSink},
		Backend{Channel: USART, Source: usartSrc, Sink: usartSink},
	)
	if m.Active() != None {
		t.Fatal("mux pinned before any byte received")
	}
	b, ok := m.TryReadByte()
	if !ok || b != 0x21 {
		t.Fatalf("got %v, %v; want 0x21, true", b, ok)
	}
	m.Pin()
	if m.Active() != USART {
		t.Fatalf("active = %v; want USART", m.Active())
	}

	usbSrc.bytes = []byte{0x99}
	if b, ok := m.TryReadByte(); ok {
		t.Fatalf("read %v from unpinned channel after pinning", b)
	}

	if err := m.WriteBytes([]byte{0x12, 0x10}); err != nil {
		t.Fatal(err)
	}
	if len(usbSink.written) != 0 {
		t.Fatal("reply leaked to unpinned channel")
	}
	if string(usartSink.written) != "\x12\x10" {
		t.Fatalf("reply not written to pinned channel: %x", usartSink.written)
	}
}

func TestWriteBeforePinFails(t *testing.T) {
	m := NewMux(Backend{Channel: USB, Source: &fakeSource{}, Sink: &fakeSink{}})
	if err := m.WriteBytes([]byte{1}); err != ErrNotPinned {
		t.Fatalf("err = %v; want ErrNotPinned", err)
	}
}
