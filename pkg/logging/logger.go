// Package logging provides structured logging capabilities for svckit services.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// DebugLevel logs detailed debugging information.
	DebugLevel LogLevel = "debug"
	// InfoLevel logs informational messages.
	InfoLevel LogLevel = "info"
	// WarnLevel logs warning messages.
	WarnLevel LogLevel = "warn"
	// ErrorLevel logs error messages.
	ErrorLevel LogLevel = "error"
)

// Logger is a wrapper around slog.Logger that provides structured logging.
type Logger struct {
	*slog.Logger
}

// Config holds the configuration for the logger.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel
	// Output is where the logs will be written to.
	Output io.Writer
	// ServiceName is the name of the process that is logging.
	ServiceName string
	// Environment is the environment the process is running in (e.g., "production", "development").
	Environment string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:       InfoLevel,
		Output:      os.Stdout,
		ServiceName: "svckit",
		Environment: "development",
	}
}

// ParseLevel maps a case-insensitive level name to a LogLevel, falling back to InfoLevel.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case DebugLevel:
		return DebugLevel
	case WarnLevel:
		return WarnLevel
	case ErrorLevel:
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DebugLevel:
		return slog.LevelDebug
	case WarnLevel:
		return slog.LevelWarn
	case ErrorLevel:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new structured logger with the given configuration.
func New(cfg Config) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: cfg.Level.slogLevel(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(slog.TimeKey, t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	})

	logger := slog.New(handler).With(
		slog.String("process", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
	)

	return &Logger{Logger: logger}
}

// Nop returns a logger that discards everything. Used as the default when a
// component is built without a logger.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithField adds a field to the logger.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{Logger: l.With(slog.Any(key, value))}
}

// WithFields adds multiple fields to the logger.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	logger := l.Logger
	for k, v := range fields {
		logger = logger.With(slog.Any(k, v))
	}
	return &Logger{Logger: logger}
}

// WithError adds an error to the logger.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.With(slog.String("error", err.Error()))}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.Logger.Debug(msg, toSlogArgs(args)...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, args ...interface{}) {
	l.Logger.Info(msg, toSlogArgs(args)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.Logger.Warn(msg, toSlogArgs(args)...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...interface{}) {
	l.Logger.Error(msg, toSlogArgs(args)...)
}

// toSlogArgs converts key-value pairs to slog attributes. A trailing key
// without a value gets an empty string.
func toSlogArgs(args []interface{}) []any {
	if len(args) == 0 {
		return nil
	}

	if len(args)%2 != 0 {
		args = append(args, "")
	}

	slogArgs := make([]any, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "unknown"
		}
		slogArgs = append(slogArgs, slog.Any(key, args[i+1]))
	}

	return slogArgs
}
