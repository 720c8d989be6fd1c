package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup initializes the global zerolog logger based on environment configuration.
//   - level: log level string (trace, debug, info, warn, error, fatal, panic)
//   - format: "json" for production, "pretty" for human-readable dev output
//
// Returns the configured logger instance.
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New builds the service logger on an arbitrary writer.
func New(out io.Writer, level, format string) zerolog.Logger {
	var writer io.Writer = out
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(writer).
		With().
		Timestamp().
		Str("service", "exstem-engine").
		Caller().
		Logger()
}
