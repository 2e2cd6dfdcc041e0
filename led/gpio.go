package led

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

// GPIO drives a status LED over a periph.io pin. It is meant for a host
// (e.g. a Raspberry Pi) acting as a bootloaderd rig: the board under
// update talks serial to the host, and the host reflects bootloader
// activity on its own LED.
type GPIO struct {
	pin gpio.PinIO
}

// OpenGPIO initializes the periph.io host drivers and opens pin for
// output.
func OpenGPIO(pin gpio.PinIO) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("led: host init: %w", err)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("led: configure pin: %w", err)
	}
	return &GPIO{pin: pin}, nil
}

// Set implements Sink. Blink is approximated as On; the dispatcher's own
// timer-driven blink cadence is responsible for toggling between On and
// Off when it wants a visible blink, so a GPIO sink only ever sees On/Off
// in practice.
func (g *GPIO) Set(m Mode) {
	switch m {
	case On, Blink:
		g.pin.Out(gpio.High)
	case Off:
		g.pin.Out(gpio.Low)
	}
}
