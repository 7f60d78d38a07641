package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EnvLogLevel is the environment variable used to set the global log level
	EnvLogLevel = "HASTATE_LOG_LEVEL"

	// EnvLogFormatJSON switches the output to json when not empty
	EnvLogFormatJSON = "HASTATE_LOG_FORMAT_JSON"
)

// parseLevel converts the provided level into a zerolog level.
// Unknown values fall back to info
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "panic":
		return zerolog.PanicLevel
	case "fatal":
		return zerolog.FatalLevel
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	}
	return zerolog.InfoLevel
}

// NewLogger instantiate zerolog configuration
// from HASTATE_LOG_LEVEL and HASTATE_LOG_FORMAT_JSON
func NewLogger() *zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(os.Getenv(EnvLogLevel)))

	var logger zerolog.Logger
	if strings.TrimSpace(os.Getenv(EnvLogFormatJSON)) == "" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true, TimeFormat: time.RFC3339}
		output.FormatLevel = func(i any) string {
			return strings.ToUpper(fmt.Sprintf("| %s |", i))
		}
		output.FormatMessage = func(i any) string {
			return fmt.Sprintf("%s", i)
		}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	}
	return &logger
}

// WithComponent returns a child logger tagged with the component name
// and the node id
func WithComponent(parent *zerolog.Logger, component, nodeID string) *zerolog.Logger {
	if parent == nil {
		parent = NewLogger()
	}
	child := parent.With().Str("component", component).Str("id", nodeID).Logger()
	return &child
}
