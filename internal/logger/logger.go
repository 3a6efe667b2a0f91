// Package logger builds the process-wide slog logger.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds logger configuration.
type Config struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output     string `yaml:"output"` // stdout, stderr or a file path
	AddSource  bool   `yaml:"add_source"`
	TimeFormat string `yaml:"time_format"`
	NoColor    bool   `yaml:"no_color"`
}

// New creates a logger. The returned closer releases a log file, if one was
// opened; it is never nil.
func New(cfg Config) (*slog.Logger, io.Closer, error) {
	w, closer, err := output(cfg.Output)
	if err != nil {
		return nil, nil, err
	}
	return slog.New(handler(w, cfg)), closer, nil
}

// NewWriter creates a logger writing to w.
func NewWriter(w io.Writer, cfg Config) *slog.Logger {
	return slog.New(handler(w, cfg))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func handler(w io.Writer, cfg Config) slog.Handler {
	level := ParseLevel(cfg.Level)

	switch cfg.Format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	default:
		timeFormat := cfg.TimeFormat
		if timeFormat == "" {
			timeFormat = time.TimeOnly
		}
		return tint.NewHandler(w, &tint.Options{
			Level:      level,
			AddSource:  cfg.AddSource,
			TimeFormat: timeFormat,
			NoColor:    cfg.NoColor,
		})
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func output(dest string) (io.Writer, io.Closer, error) {
	switch dest {
	case "", "stdout":
		return os.Stdout, nopCloser{}, nil
	case "stderr":
		return os.Stderr, nopCloser{}, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// ParseLevel converts a level name; unknown names mean info.
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
