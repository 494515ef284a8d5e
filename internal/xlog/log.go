// Package xlog provides structured, component-scoped logging for the indexer.
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for each pipeline stage and query path.
var (
	Store   zerolog.Logger
	Indexer zerolog.Logger
	Query   zerolog.Logger
	Cache   zerolog.Logger
	RPC     zerolog.Logger
	Fetch   zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration. When file is
// non-empty, logs are written to both the console (colored or JSON
// depending on jsonOutput) and the file (always JSON for machine parsing).
func Init(level string, jsonOutput bool, file string) error {
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}

		lvl := parseLevel(level)

		var consoleWriter io.Writer
		if jsonOutput {
			consoleWriter = os.Stdout
		} else {
			consoleWriter = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: "15:04:05",
				NoColor:    false,
			}
		}

		multi := zerolog.MultiLevelWriter(consoleWriter, f)
		Logger = zerolog.New(multi).
			Level(lvl).
			With().
			Timestamp().
			Logger()
	} else if jsonOutput {
		Logger = NewJSONLogger(os.Stdout, level)
	} else {
		Logger = NewConsoleLogger(os.Stdout, level)
	}

	initComponentLoggers()
	return nil
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
		NoColor:    false,
	}

	lvl := parseLevel(level)
	return zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl := parseLevel(level)
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Store = Logger.With().Str("component", "store").Logger()
	Indexer = Logger.With().Str("component", "indexer").Logger()
	Query = Logger.With().Str("component", "query").Logger()
	Cache = Logger.With().Str("component", "cache").Logger()
	RPC = Logger.With().Str("component", "rpc").Logger()
	Fetch = Logger.With().Str("component", "fetch").Logger()
}

// WithComponent returns a logger tagged with an arbitrary component name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Fatal logs a fatal message and terminates the process. Reserved for
// violated invariants (missing precondition, corrupt row) per the
// indexer's "assert loudly" error policy.
func Fatal() *zerolog.Event {
	return Logger.Fatal()
}

// Error logs an error-level message.
func Error() *zerolog.Event {
	return Logger.Error()
}

// Info logs an info-level message.
func Info() *zerolog.Event {
	return Logger.Info()
}

// Debug logs a debug-level message.
func Debug() *zerolog.Event {
	return Logger.Debug()
}

// Benchmark returns a func to call at the end of a timed block; logs the
// elapsed duration at debug level under the given operation name.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
