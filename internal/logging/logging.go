// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Setup configures the global slog.Default() logger.
// pretty: "true" (text handler), "false" (JSON handler, for log shippers),
// or "auto" (text when stderr is a terminal).
// level: "debug", "info", "warn", "error".
// Returns the configured *slog.Logger.
func Setup(pretty, level string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if usePretty(pretty) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func usePretty(pretty string) bool {
	switch strings.ToLower(strings.TrimSpace(pretty)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return term.IsTerminal(int(os.Stderr.Fd()))
	}
}

// ParseLevel converts a level string to slog.Level.
// Defaults to slog.LevelInfo for unrecognized values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a *slog.Logger that discards all output.
// Useful for tests that don't need log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
