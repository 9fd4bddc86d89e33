// Package logger provides structured logging for the gec daemon and reporter
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Logger wraps slog.Logger with gec-specific helpers
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Config holds logger configuration
type Config struct {
	Level     string
	Format    string // "json" or "text"
	Output    string // "stdout", "stderr", or file path
	Component string // Component name for logs
	Version   string

	// Writer overrides Output when set
	Writer io.Writer
}

// ParseLevel maps a level name to a slog level; unknown names are info
func ParseLevel(level string) slog.Level {
	switch LogLevel(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new logger instance
func New(cfg Config) (*Logger, error) {
	var (
		writer io.Writer
		closer io.Closer
	)

	switch {
	case cfg.Writer != nil:
		writer = cfg.Writer
	case cfg.Output == "", cfg.Output == "stdout":
		writer = os.Stdout
	case cfg.Output == "stderr":
		writer = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = file
		closer = file
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	attrs := []any{"service", "gec"}
	if cfg.Component != "" {
		attrs = append(attrs, "component", cfg.Component)
	}
	if cfg.Version != "" {
		attrs = append(attrs, "version", cfg.Version)
	}

	return &Logger{
		Logger: slog.New(handler).With(attrs...),
		closer: closer,
	}, nil
}

// Initialize builds a logger from cfg and installs it as the slog default,
// so code logging through the slog package functions shares its handler
func Initialize(cfg Config) (*Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	slog.SetDefault(l.Logger)

	l.Debug("logger initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"output", cfg.Output,
	)
	return l, nil
}

// WithComponent returns a new logger with the component name set
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}

// ErrorEvent logs an error with its dynamic type, the same classification
// the reporter uses for records
func (l *Logger) ErrorEvent(ctx context.Context, message string, err error, attrs ...slog.Attr) {
	if err == nil {
		l.LogAttrs(ctx, slog.LevelError, message, attrs...)
		return
	}
	base := []slog.Attr{
		slog.String("error", err.Error()),
		slog.String("error_type", fmt.Sprintf("%T", err)),
	}
	l.LogAttrs(ctx, slog.LevelError, message, append(base, attrs...)...)
}

// Close releases the log file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
