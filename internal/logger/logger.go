package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config selects the level and handler for process logs.
type Config struct {
	Level        string // debug, info, warn, error
	Format       string // json, console
	Output       string // stdout, stderr
	EnableSource bool
	TimeFormat   string

	writer io.Writer
}

// New builds a slog.Logger: tint for console output, JSON otherwise.
func New(cfg Config) *slog.Logger {
	level := ParseLevel(cfg.Level)

	w := cfg.writer
	if w == nil {
		switch cfg.Output {
		case "stderr":
			w = os.Stderr
		default:
			w = os.Stdout
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "console":
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.RFC3339
		}
		handler = tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.EnableSource,
			TimeFormat: timeFormat,
		})
	default:
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: cfg.EnableSource,
		})
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
