package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LevelEnvVar is the environment variable consulted for the default log
// level filter (debug, info, warn, error). Flags and config override it.
const LevelEnvVar = "KMSVNC_LOG"

var (
	defaultLogger *slog.Logger
	mu            sync.RWMutex
)

func init() {
	defaultLogger = slog.New(NewRedactingHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: LevelFromEnv(),
	})))
}

// LevelFromEnv parses LevelEnvVar into a slog.Level, defaulting to Info.
func LevelFromEnv() slog.Level {
	return ParseLevel(os.Getenv(LevelEnvVar))
}

// ParseLevel maps a level name to a slog.Level. Unknown names mean Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup replaces the global logger. format is "text" or "json"; output goes
// to w. All handlers are wrapped in the redacting handler so passwords never
// reach the sink.
func Setup(w io.Writer, format string, level slog.Level) {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = slog.New(NewRedactingHandler(h))
}

// SetLogger sets the global logger directly. Intended for tests.
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// Logger returns the default logger.
func Logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With returns a logger with additional context.
func With(args ...any) *slog.Logger {
	return Logger().With(args...)
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	Logger().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	Logger().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	Logger().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	Logger().Error(msg, args...)
}

// Common field helpers
func Component(name string) slog.Attr {
	return slog.String("component", name)
}

func Session(id uint64) slog.Attr {
	return slog.Uint64("session", id)
}

func Device(path string) slog.Attr {
	return slog.String("device", path)
}

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
