// Package logger provides the process-wide zerolog logger, defaulting to
// pretty console output for interactive use and honoring
// CLODPUTER_LOG_LEVEL for verbosity.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance used by cmd/clodputer; internal
// packages take a zerolog.Logger through their constructors instead.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for interactive use unless a machine consumer asks for
	// raw JSON.
	if os.Getenv("CLODPUTER_LOG_FORMAT") != "json" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	zerolog.SetGlobalLevel(levelFromEnv())
}

// levelFromEnv parses CLODPUTER_LOG_LEVEL (debug/info/warn/error),
// defaulting to info on an unset or unrecognized value.
func levelFromEnv() zerolog.Level {
	v := os.Getenv("CLODPUTER_LOG_LEVEL")
	if v == "" {
		// ParseLevel maps "" to NoLevel, which would drop info and above.
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(v)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// GetLogger returns the global logger instance.
func GetLogger() zerolog.Logger {
	return Log
}
