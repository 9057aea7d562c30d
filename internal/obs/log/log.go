// Package log provides structured logging for ThemisDB using zerolog.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, set by Init.
var Logger zerolog.Logger

// Level is a logging severity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Format selects the wire shape of emitted log lines.
type Format string

const (
	JSONFormat    Format = "json"
	ConsoleFormat Format = "console"
)

// Config configures the global logger.
type Config struct {
	Level  Level
	Format Format
	Output io.Writer
}

// Init initializes the global logger. Safe to call once at process start;
// components should derive child loggers from it via WithComponent.
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

	if cfg.Format == ConsoleFormat {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning component,
// e.g. "kv", "index", "aql", "query".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTable tags a logger with the entity table it operates on.
func WithTable(logger zerolog.Logger, table string) zerolog.Logger {
	return logger.With().Str("table", table).Logger()
}

// WithSeq tags a logger with a commit/CDC sequence number.
func WithSeq(logger zerolog.Logger, seq uint64) zerolog.Logger {
	return logger.With().Uint64("seq", seq).Logger()
}

func init() {
	// Sane default so packages that log before Init (e.g. in tests) don't panic.
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
