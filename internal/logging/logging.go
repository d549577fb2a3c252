// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, component-scoped loggers for the
// whole process. It is a thin layer over log/slog: every subsystem asks
// for a logger tagged with its component name and emits key/value pairs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level names accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls the process-wide logging setup.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer
}

// DefaultConfig returns the standard text-to-stderr setup at info level.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		JSON:   false,
		Output: os.Stderr,
	}
}

// Logger wraps slog with component scoping.
type Logger struct {
	sl *slog.Logger
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(DefaultConfig())
)

// New builds a Logger from cfg. Unknown levels fall back to info.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if cfg.JSON {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{sl: slog.New(h)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// Default returns the process-wide logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// WithComponent returns a child of the default logger tagged with the
// given component name.
func WithComponent(name string) *Logger {
	return Default().WithComponent(name)
}

// WithComponent returns a child logger tagged with the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{sl: l.sl.With("component", name)}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sl: l.sl.With(args...)}
}

func (l *Logger) Debug(msg string, args ...any) { l.sl.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.sl.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.sl.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.sl.Error(msg, args...) }

// Package-level helpers write through the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

// APILog emits a printf-style line at the given level through the api
// component logger. Used by the HTTP access-log path where key/value
// pairs would just get in the way.
func APILog(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l := WithComponent("api")
	switch strings.ToLower(level) {
	case LevelDebug:
		l.Debug(msg)
	case LevelWarn:
		l.Warn(msg)
	case LevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}
