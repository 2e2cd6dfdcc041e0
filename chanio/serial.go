package chanio

import (
	"sync"

	"github.com/tarm/serial"
)

// Serial is a bytechan.Source/Sink backed by a real USB-CDC or UART serial
// port. A dedicated goroutine buffers reads into a bounded ring, the
// host-side analogue of an MCU's interrupt-fed receive buffer: overflow
// silently drops the oldest undelivered byte.
type Serial struct {
	port *serial.Port

	mu  sync.Mutex
	buf []byte
	cap int

	writeMu sync.Mutex
}

// OpenSerial opens dev at baud and starts the background reader. Capacity
// bounds the internal ring buffer; 0 defaults to 256 bytes.
func OpenSerial(dev string, baud, capacity int) (*Serial, error) {
	if capacity <= 0 {
		capacity = 256
	}
	port, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, err
	}
	s := &Serial{port: port, cap: capacity}
	go s.readLoop()
	return s, nil
}

func (s *Serial) readLoop() {
	chunk := make([]byte, 64)
	for {
		n, err := s.port.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			if over := len(s.buf) - s.cap; over > 0 {
				s.buf = s.buf[over:]
			}
			s.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// TryReadByte implements bytechan.Source.
func (s *Serial) TryReadByte() (byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return 0, false
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, true
}

// WriteBytes implements bytechan.Sink.
func (s *Serial) WriteBytes(buf []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.port.Write(buf)
	return err
}

// Close releases the underlying port.
func (s *Serial) Close() error {
	return s.port.Close()
}
