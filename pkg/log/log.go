// Package log provides structured logging for Winery using zerolog.
//
// A single global logger is initialized once via Init; every long-running
// component (catalog, writer, reader, packer, image manager, cleaners,
// throttler) obtains a child logger via WithComponent so every line it
// emits carries a "component" field, which is what lets a shared log
// stream from many cooperating Winery processes be filtered per role.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

// WithComponent creates a child logger scoped to one Winery component
// ("catalog", "writer", "reader", "packer", "imagemanager", "cleaner",
// "deletedcleaner", "throttler", "pool").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard creates a child logger with a shard name field.
func WithShard(name string) zerolog.Logger {
	return Logger.With().Str("shard", name).Logger()
}

// WithHost creates a child logger with a hostname field, used by the
// image manager when recording per-host acknowledgements.
func WithHost(host string) zerolog.Logger {
	return Logger.With().Str("host", host).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }
func Fatal(msg string) { Logger.Fatal().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
