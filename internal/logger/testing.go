package logger

import (
	"io"
	"log/slog"
	"time"
)

// NewBufferLogger returns a logger writing JSON records to w at the given level.
// Intended for tests that assert on log output.
func NewBufferLogger(w io.Writer, level LogLevel) Logger {
	lvl := parseSlogLevel(level)
	return &moduleLogger{
		logger:   slog.New(newJSONHandler(w, lvl, time.UTC)),
		level:    lvl,
		timezone: time.UTC,
	}
}

// NewDiscardLogger returns a logger that drops everything.
func NewDiscardLogger() Logger {
	return NewBufferLogger(io.Discard, LogLevelError)
}
