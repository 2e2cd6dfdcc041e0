//go:build !(linux && arm)

package main

import (
	"log/slog"

	"fcboot.dev/led"
)

// openLED falls back to a no-op sink on platforms without the Pi's GPIO
// header, e.g. running bootloaderd on a developer's laptop for the
// in-memory loopback case.
func openLED(log *slog.Logger) led.Sink {
	log.Debug("bootloaderd: no GPIO backend on this platform, LED disabled")
	return led.Null{}
}
