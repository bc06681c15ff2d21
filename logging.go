package opmux

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// EnvLogLevel overrides the level given to NewLogger.
const EnvLogLevel = "OPMUX_LOG_LEVEL"

// NewLogger returns a logger writing to w at the named level.
// If w is a terminal-like *os.File, output is human readable.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, ok := parseLevel(os.Getenv(EnvLogLevel))
	if !ok {
		if lvl, ok = parseLevel(level); !ok {
			lvl = zerolog.InfoLevel
		}
	}
	if f, isFile := w.(*os.File); isFile && (f == os.Stderr || f == os.Stdout) {
		w = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
