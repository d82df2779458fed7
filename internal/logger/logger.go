// Package logger provides the structured logging ambient stack shared by
// every component in the buffering core. It wraps log/slog behind a
// small printf-style interface, with a format switch
// (text/json/pretty/discard).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dusted-go/logging/prettylog"
)

// Format selects the rendering of log records.
type Format string

const (
	FormatText    Format = "text"
	FormatJSON    Format = "json"
	FormatPretty  Format = "pretty"
	FormatDiscard Format = "discard"
)

// Formats lists the recognised output formats, for flag/config help text.
var Formats = []string{string(FormatText), string(FormatJSON), string(FormatPretty), string(FormatDiscard)}

// Levels lists the recognised log levels, for flag/config help text.
var Levels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// Logger defines a standard interface for logging.
type Logger interface {
	Debugf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	// With returns a sub-logger with the given structured fields attached
	// to every subsequent record, for correlating a burst of log lines
	// (one SBQ task, one orchestrator tick, ...) without threading IDs
	// through every format string.
	With(args ...any) Logger
}

// SlogLogger is a wrapper around Go's structured logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewLogger creates a new logger instance writing JSON to stdout at the
// given level. A simple, no-frills constructor; prefer New for format
// control.
func NewLogger(level string) Logger {
	log, err := New(os.Stdout, string(FormatJSON), level)
	if err != nil {
		// level couldn't be parsed; fall back to INFO rather than failing
		// a call site that has no error return.
		log, _ = New(os.Stdout, string(FormatJSON), "INFO")
	}
	return log
}

// New builds a Logger writing to w in the given format at the given level.
// An unrecognised level or format is an error, since it usually means a
// config typo an operator should see.
func New(w io.Writer, format, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(lvl)

	var h slog.Handler
	switch Format(strings.ToLower(format)) {
	case FormatText, "":
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar})
	case FormatPretty:
		h = prettylog.NewHandler(&slog.HandlerOptions{Level: levelVar})
	case FormatDiscard:
		h = slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: levelVar})
	default:
		return nil, fmt.Errorf("log format %q not known, want one of %v", format, Formats)
	}
	return &SlogLogger{l: slog.New(h)}, nil
}

// Discard returns a Logger that drops everything, for tests that don't care
// about log output.
func Discard() Logger {
	l, _ := New(io.Discard, string(FormatDiscard), "ERROR")
	return l
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log level %q not known, want one of %v", level, Levels)
	}
}

// Debugf logs a message at the debug level.
func (l *SlogLogger) Debugf(format string, v ...interface{}) {
	l.l.Debug(fmt.Sprintf(format, v...))
}

// Infof logs a message at the info level.
func (l *SlogLogger) Infof(format string, v ...interface{}) {
	l.l.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a message at the warn level.
func (l *SlogLogger) Warnf(format string, v ...interface{}) {
	l.l.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs a message at the error level.
func (l *SlogLogger) Errorf(format string, v ...interface{}) {
	l.l.Error(fmt.Sprintf(format, v...))
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{l: l.l.With(args...)}
}
