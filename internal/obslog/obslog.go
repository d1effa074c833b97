// Package obslog provides the substrate's structured loggers: one
// component-tagged zerolog logger per subsystem so fields are structured
// instead of string-formatted.
package obslog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// New returns a logger tagged with component.
func New(component string) zerolog.Logger {
	return NewWriter(os.Stdout, component)
}

// NewWriter is New with an explicit sink, used by tests to capture output.
func NewWriter(w io.Writer, component string) zerolog.Logger {
	level := levelFromEnv()
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("component", component).
		Logger()
}

func levelFromEnv() zerolog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
