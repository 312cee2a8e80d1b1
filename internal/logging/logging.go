package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New creates the service's structured JSON logger at the configured level.
func New(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// WithComponent scopes a logger to a named component.
func WithComponent(log *slog.Logger, component string) *slog.Logger {
	return log.With("component", component)
}
