package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gogenie/internal/config"
)

// New creates a slog.Logger writing to os.Stdout, configured from cfg.
// The debug flag forces the debug level regardless of cfg.Level.
func New(cfg config.LogConfig, debug bool) *slog.Logger {
	return NewWithWriter(os.Stdout, cfg, debug)
}

// NewWithWriter creates a slog.Logger with a specific writer.
func NewWithWriter(w io.Writer, cfg config.LogConfig, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level, debug)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string, debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(strings.TrimSpace(level)) {
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
