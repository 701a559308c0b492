// Package logger configures the structured logger used across the kernel.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates a logger writing to w. With pretty set, records are rendered by
// a PrettyWriter instead of as raw JSON lines.
func New(w io.Writer, level slog.Level, pretty bool) *slog.Logger {
	if pretty {
		w = NewPrettyWriter(w)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Setup opens path (stderr when empty), installs the resulting logger as the
// slog default and returns it with a function closing the file.
func Setup(path string, level slog.Level, override, pretty bool) (*slog.Logger, func() error, error) {
	if path == "" {
		l := New(os.Stderr, level, pretty)
		slog.SetDefault(l)
		return l, func() error { return nil }, nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if override {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return nil, nil, err
	}

	l := New(f, level, pretty)
	slog.SetDefault(l)
	return l, f.Close, nil
}
