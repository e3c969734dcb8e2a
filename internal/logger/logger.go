// Package logger provides structured logging configuration for the application.
// It configures log/slog with JSON or text output and source location tracking.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Output formats.
const (
	FormatAuto = "auto"
	FormatJSON = "json"
	FormatText = "text"
)

// Setup initializes the global slog logger on stdout.
// FormatAuto picks text on a terminal and JSON otherwise.
func Setup(level slog.Level, format string) {
	slog.SetDefault(New(os.Stdout, level, ResolveFormat(format, os.Stdout)))
}

// New builds a logger writing the given format to w.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}
	if format == FormatText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ResolveFormat turns FormatAuto into json or text depending on whether f is
// a terminal. Unknown formats fall back to JSON.
func ResolveFormat(format string, f *os.File) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatText:
		return FormatText
	case FormatJSON:
		return FormatJSON
	case "", FormatAuto:
		if f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return FormatText
		}
		return FormatJSON
	default:
		return FormatJSON
	}
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Unrecognized values default to info level.
func ParseLevel(level string) slog.Level {
	switch level {
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
