// Package logging builds the slog.Logger used by iserv-go from the
// [logging] config section.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/iserv-go/iserv/internal/config"
)

const (
	logFilePerms = 0o600
	logDirPerms  = 0o755
)

// Level maps a config log level to its slog level. Unknown names fall back
// to info.
func Level(name string) slog.Level {
	switch name {
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

// New returns a logger writing to w. Format "auto" uses a colored tint
// handler when w is a terminal and plain text otherwise.
func New(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	level := Level(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}

	if isTerminal(w) {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		}))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// Open is New with the log_file setting applied: when set, logs go to
// that file (created or appended) instead of w. The returned closer must
// be called on shutdown; it is a no-op when no file was opened.
func Open(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, func() error, error) {
	if cfg.LogFile == "" {
		return New(cfg, w), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), logDirPerms); err != nil {
		return nil, nil, fmt.Errorf("logging: creating log directory: %w", err)
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFilePerms)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: opening %s: %w", cfg.LogFile, err)
	}

	return New(cfg, f), f.Close, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
