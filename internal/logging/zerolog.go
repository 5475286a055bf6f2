package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// parseZerologLevel converts a string log level to zerolog.Level.
func parseZerologLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewZerolog builds the console logger used by the telemetry components.
// Output goes to file when given, to stdout otherwise.
func NewZerolog(file io.Writer, level string, component string) zerolog.Logger {
	out := zerolog.ConsoleWriter{
		Out:        osStdout,
		TimeFormat: time.RFC3339,
	}
	if file != nil {
		out = zerolog.ConsoleWriter{
			Out:        file,
			TimeFormat: time.RFC3339,
			NoColor:    true,
		}
	}

	return zerolog.New(out).
		Level(parseZerologLevel(level)).
		With().Timestamp().Str("component", component).
		Logger()
}

var (
	osStdout io.Writer = os.Stdout
	osPipe             = os.Pipe
)
