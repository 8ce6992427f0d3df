// Package logging provides the module's structured logger, a thin
// wrapper over charmbracelet/log giving each component (transport,
// readout, merge, ...) its own sub-logger with a "component" field.
package logging

import (
	"os"

	"github.com/charmbracelet/log"
)

// Base is the root logger, writing leveled, structured output to
// stderr. Call SetLevel to adjust verbosity (e.g. from a -v flag).
var Base = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      "15:04:05.000",
})

// For returns a sub-logger tagged with the given component name, e.g.
// logging.For("transport").Info("sent request", "op", 0x20)
func For(component string) *log.Logger {
	return Base.With("component", component)
}

// SetLevel adjusts the base logger's verbosity.
func SetLevel(level log.Level) {
	Base.SetLevel(level)
}
