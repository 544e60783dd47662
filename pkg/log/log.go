package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. It discards everything until Init runs,
// so packages can build component loggers at construction time in tests.
var Logger = zerolog.Nop()

// Level is a configured log level name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to stdout
}

// Init replaces the global logger. Component loggers created before Init keep
// the old sink.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(levels[ParseLevel(string(cfg.Level))])

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a configuration string to a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := levels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTaskID creates a child logger with task_id field
func WithTaskID(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithStage scopes a logger to one stage of a task
func WithStage(taskID, stageID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Str("stage_id", stageID).Logger()
}
