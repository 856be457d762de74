// Package logger configures the process-wide zerolog instance. Components
// receive a derived logger through their constructors rather than reaching
// for the global.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the base logger: JSON to stdout, pretty console output outside
// production.
var Log zerolog.Logger

func init() {
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}
