// Package logging provides structured logging for the state-sync engine on
// top of Go's log/slog package, with optional rotating file output.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lucidjournal/statesync/errors"
)

// Logger wraps slog.Logger with engine-specific conveniences.
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration.
type Config struct {
	Level       string `json:"level" mapstructure:"level"`             // debug, info, warn, error
	Format      string `json:"format" mapstructure:"format"`           // text, json
	AddSource   bool   `json:"add_source" mapstructure:"add_source"`   // include source location
	Environment string `json:"environment" mapstructure:"environment"` // dev, prod, test

	// File enables rotating file output when Path is set; stdout otherwise.
	File FileConfig `json:"file" mapstructure:"file"`
}

// FileConfig configures log rotation.
type FileConfig struct {
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
}

// DefaultConfig is the configuration used when none is provided.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: "dev",
}

var defaultLogger *Logger

// Component identifies the engine component emitting a log line.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// SyncErrorValuer renders a SyncError as a structured log group.
type SyncErrorValuer struct {
	*errors.SyncError
}

func (e SyncErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.Bool("retryable", e.Retryable),
		slog.String("error", e.Err.Error()),
	}
	if e.Metadata != nil {
		meta := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(meta...)))
	}
	return slog.GroupValue(attrs...)
}

// NewLogger creates a logger from config.
func NewLogger(config Config) *Logger {
	var level slog.Level
	switch config.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var out io.Writer = os.Stdout
	if config.File.Path != "" {
		out = &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    orDefault(config.File.MaxSizeMB, 50),
			MaxBackups: orDefault(config.File.MaxBackups, 3),
			MaxAge:     orDefault(config.File.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	var handler slog.Handler
	if config.Format == "text" || config.Environment == "dev" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Init installs the given configuration as the package and slog default.
func Init(config Config) {
	defaultLogger = NewLogger(config)
	slog.SetDefault(defaultLogger.Logger)
}

// Default returns the default logger, initializing it lazily.
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithComponent creates a child logger with component context.
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// LogError logs an error with structured SyncError attributes when present.
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	all := make([]any, 0, len(attrs)+1)
	if syncErr, ok := err.(*errors.SyncError); ok {
		all = append(all, slog.Any("sync_error", SyncErrorValuer{SyncError: syncErr}))
	} else {
		all = append(all, slog.String("error", err.Error()))
	}
	for _, attr := range attrs {
		all = append(all, attr)
	}
	l.ErrorContext(ctx, msg, all...)
}
