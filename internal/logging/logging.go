// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/pwntr/tinter"
)

// Format selects the log output format.
type Format string

const (
	FormatAuto Format = "auto" // colour text on a terminal, JSON otherwise
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// TimeFormat is the timestamp layout of the text handler.
const TimeFormat = "15:04:05.000"

// ParseFormat converts a config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "text", "tint", "human":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatAuto, fmt.Errorf("unknown log format %q (want auto, text or json)", s)
	}
}

// ParseLevel converts a config value such as "debug" or "WARN+2" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// NewHandler builds the handler Setup installs, writing to w.
func NewHandler(w io.Writer, format Format, level slog.Leveler) slog.Handler {
	if format == FormatText || (format == FormatAuto && IsTTY(w)) {
		return tinter.NewHandler(w, &tinter.Options{
			Level:      level,
			TimeFormat: TimeFormat,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

// Setup installs a stderr logger as the slog default. Call once after
// configuration is resolved.
func Setup(format Format, level slog.Level) {
	slog.SetDefault(slog.New(NewHandler(os.Stderr, format, level)))
}
