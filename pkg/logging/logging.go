// Package logging provides the structured logger shared by the agent
// connection core. Components get a slog JSON logger tagged with their name
// plus helpers for the identifiers that recur across the subsystem.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger is a structured logger for connection-core components.
type Logger struct {
	*slog.Logger
}

// New creates a component logger writing JSON to stderr.
func New(component string, level slog.Level) *Logger {
	return NewWithWriter(component, level, os.Stderr)
}

// NewWithWriter creates a component logger writing to w. Used by tests.
func NewWithWriter(component string, level slog.Level, w io.Writer) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	logger := slog.New(handler).With(
		slog.String("component", component),
		slog.String("system", "agent"),
	)

	return &Logger{Logger: logger}
}

// WithSession returns a logger with session-specific fields.
func (l *Logger) WithSession(sessionID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("session_id", sessionID))}
}

// WithTerminal returns a logger with host-terminal fields.
func (l *Logger) WithTerminal(terminalID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("terminal_id", terminalID))}
}

// WithPane returns a logger with tmux pane fields.
func (l *Logger) WithPane(paneID string) *Logger {
	return &Logger{Logger: l.Logger.With(slog.String("pane_id", paneID))}
}
