// Package logging provides leveled, printf-style logging for the whole
// tool, backed by zerolog. Output defaults to a human console format on
// stderr; JSON output is available for machine consumption.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Level is a log severity threshold.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu     sync.RWMutex
	out    io.Writer = os.Stderr
	format           = "text"
	level            = LevelInfo
	logger           = newLogger(os.Stderr, "text")
)

func newLogger(w io.Writer, fmtName string) zerolog.Logger {
	if fmtName == "json" {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// ParseLevel converts a level name ("debug", "info", "warn", "warning",
// "error") to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %q", s)
}

// SetLevel sets the minimum severity that will be emitted.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
}

// SetFormat selects the output format: "text" or "json".
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = f
	logger = newLogger(out, f)
}

// SetOutput redirects log output. Passing nil restores stderr.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = os.Stderr
	}
	out = w
	logger = newLogger(w, format)
}

// IsDebug reports whether debug logging is enabled.
func IsDebug() bool {
	mu.RLock()
	defer mu.RUnlock()
	return level <= LevelDebug
}

func logAt(l Level, ev *zerolog.Event, format string, args ...any) {
	mu.RLock()
	enabled := l >= level
	mu.RUnlock()
	if !enabled {
		return
	}
	ev.Msg(fmt.Sprintf(format, args...))
}

// Debug logs a debug-level message.
func Debug(format string, args ...any) {
	mu.RLock()
	lg := logger
	mu.RUnlock()
	logAt(LevelDebug, lg.Debug(), format, args...)
}

// Info logs an info-level message.
func Info(format string, args ...any) {
	mu.RLock()
	lg := logger
	mu.RUnlock()
	logAt(LevelInfo, lg.Info(), format, args...)
}

// Warn logs a warning.
func Warn(format string, args ...any) {
	mu.RLock()
	lg := logger
	mu.RUnlock()
	logAt(LevelWarn, lg.Warn(), format, args...)
}

// Error logs an error.
func Error(format string, args ...any) {
	mu.RLock()
	lg := logger
	mu.RUnlock()
	logAt(LevelError, lg.Error(), format, args...)
}
