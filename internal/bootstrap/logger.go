package bootstrap

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
)

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: JSON lines for LOG_FORMAT=json,
// otherwise a human readable console handler.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)

	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	handler := charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
		Level:           charmlog.Level(level),
	})
	return slog.New(handler)
}

func ProvideLogger(cfg *Config) *slog.Logger {
	logger := NewLogger(cfg, os.Stderr)
	slog.SetDefault(logger)
	return logger
}
