package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the field names used across the storage
// packages.
type Logger struct {
	*slog.Logger
}

// New creates a Logger with the given handler.
// If handler is nil, a text handler writing to stderr at info level is used.
func New(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewText creates a Logger that writes human-readable text to w.
func NewText(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewJSON creates a Logger that writes JSON records to w.
func NewJSON(w io.Writer, level slog.Level) *Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Default returns the stderr text logger.
func Default() *Logger {
	return New(nil)
}

// Noop returns a Logger that discards everything.
func Noop() *Logger {
	return New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// OrNoop returns l, or a Noop logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return Noop()
	}
	return l
}

// WithTable tags records with a table URI.
func (l *Logger) WithTable(uri string) *Logger {
	return &Logger{Logger: l.Logger.With("table", uri)}
}

// WithIndex tags records with an index and its collection.
func (l *Logger) WithIndex(namespace, name string) *Logger {
	return &Logger{Logger: l.Logger.With("ns", namespace, "index", name)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}
