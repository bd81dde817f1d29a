package cli

import (
	"io"
	"log/slog"

	charmlog "github.com/charmbracelet/log"

	"github.com/roach88/mxarchive/internal/config"
)

// NewLogger builds the process logger. Text output goes through
// charmbracelet/log; json uses the standard JSON handler. Verbose forces
// debug level.
func NewLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	level := parseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
	})
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
