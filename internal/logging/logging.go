// Package logging constructs the process-wide zerolog logger, matching the
// level/format knobs exposed by every teacher draft's ambient stack.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger from the LOG_LEVEL/LOG_FORMAT conventions.
// format "console" yields human-readable output for local dev; anything
// else yields structured JSON suitable for log aggregation.
func New(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
