// Package logging configures the process-wide slog logger, optionally
// duplicating output to a size-rotated log file.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/eargollo/radscan/internal/config"
)

// Setup installs the default slog logger per cfg and returns a closer for
// the rotating file writer (nil-safe to call when no file is configured).
func Setup(cfg config.Log) io.Closer {
	writer, closer := buildWriter(cfg)
	handler := slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	slog.SetDefault(slog.New(handler))
	if closer == nil {
		closer = io.NopCloser(nil)
	}
	return closer
}

// buildWriter returns stderr, or stderr plus a lumberjack writer when a log
// file is configured.
func buildWriter(cfg config.Log) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, lj), lj
}

// ParseLevel converts a config string ("debug", "info", "warn", "error")
// to its slog.Level equivalent. Unknown values default to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
