package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps debug|info|warn|error onto slog levels. Unknown names are
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New builds the process logger: a text or JSON handler on w, wrapped with
// correlation ids and, when redactor is non-nil, secret redaction. level is
// shared so it can be changed while running.
func New(w io.Writer, format string, level *slog.LevelVar, redactor *Redactor) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if redactor != nil {
		h = NewRedactingHandler(h, redactor)
	}
	return slog.New(NewCorrelationHandler(h))
}
