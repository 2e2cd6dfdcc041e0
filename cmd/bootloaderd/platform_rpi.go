//go:build linux && arm

package main

import (
	"log/slog"

	"periph.io/x/host/v3/bcm283x"

	"fcboot.dev/led"
)

// openLED drives the status LED on GPIO16, the same header pin the
// Waveshare HAT wires its Button3 to; bootloaderd repurposes it as an
// output to keep the pinout story familiar on the same boards.
func openLED(log *slog.Logger) led.Sink {
	g, err := led.OpenGPIO(bcm283x.GPIO16)
	if err != nil {
		log.Warn("bootloaderd: GPIO LED unavailable, continuing headless", "err", err)
		return led.Null{}
	}
	return g
}
