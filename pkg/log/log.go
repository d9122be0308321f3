// Package log provides structured JSON logging for the orchestrator,
// built on zerolog. Components acquire a child logger tagged with their
// name via WithComponent and attach request-scoped fields with the
// With* helpers below.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger, set by Init.
var Logger zerolog.Logger

// Level is a recognized log level string.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger. Safe to call once at process start.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Usable before Init is called (e.g. in tests).
	Init(Config{Level: InfoLevel, JSONOutput: false, Output: os.Stdout})
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTestID returns a child logger tagged with a test_id.
func WithTestID(testID string) zerolog.Logger {
	return Logger.With().Str("test_id", testID).Logger()
}

// WithEnvID returns a child logger tagged with an env_id.
func WithEnvID(envID string) zerolog.Logger {
	return Logger.With().Str("env_id", envID).Logger()
}

// WithPlanID returns a child logger tagged with a plan_id.
func WithPlanID(planID string) zerolog.Logger {
	return Logger.With().Str("plan_id", planID).Logger()
}
