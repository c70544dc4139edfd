// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger. An empty File logs to stdout only.
type Options struct {
	Level      slog.Level
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Stdout overrides os.Stdout (tests).
	Stdout io.Writer
}

// New returns a JSON logger and a closer for the rotated file sink.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stdout
	if opts.Stdout != nil {
		out = opts.Stdout
	}
	var closer io.Closer = io.NopCloser(nil)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, err
		}
		rotated := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		out = io.MultiWriter(out, rotated)
		closer = rotated
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: opts.Level}))
	return logger, closer, nil
}
