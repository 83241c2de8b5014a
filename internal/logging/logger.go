// Package logging wraps log/slog with the small surface this codebase
// needs: a level-switchable logger, console or JSON output, and
// component-scoped children.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Level aliases slog.Level so callers don't import both packages.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Logger is a slog.Logger with a shared, runtime-adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// Config selects output destination, format and initial level.
type Config struct {
	Level  Level
	Output io.Writer
	JSON   bool
}

// New builds a Logger. A nil Output falls back to stderr.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	level := &slog.LevelVar{}
	level.Set(cfg.Level)

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, &slog.HandlerOptions{Level: level})
	} else {
		handler = newConsoleHandler(cfg.Output, level)
	}

	return &Logger{Logger: slog.New(handler), level: level}
}

// SetLevel adjusts the level of this logger and every child derived
// from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

// WithComponent returns a child logger tagged with a component name.
// The console handler promotes the tag into the line prefix.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("component", name),
		level:  l.level,
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}
