// Package logging provides the leveled logger used by the stress harness.
//
// Fatalf logs at FATAL level and calls the configured FatalHandler; it never
// exits the process. The harness wires the handler to its fatal-error signal
// so that an infrastructure failure cancels every worker and the run shuts
// down in order.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/01/04 10:12:01 INFO [driver] operate phase started
//
// Component prefixes:
//   - [driver] operation driver and run phases
//   - [verify] verification failures
//   - [cf]     column family drop and recreate
//   - [ingest] staging files and bulk ingest
//   - [store]  storage engine events
//   - [stats]  progress and final statistics
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// FatalHandler is called when Fatalf is invoked, with the formatted message.
// It must be safe for concurrent use and must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything, including every written key and value.
	LevelDebug
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	}
	return LevelInfo, errors.Newf("logging: unknown level %q", s)
}

// Logger is the logging interface used throughout the harness.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf logs at FATAL level and calls the fatal handler. It returns
	// normally; callers unwind on their own.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through log.Logger.
// Level is fixed at construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger writing to w.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called by Fatalf.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf implements Logger.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, "ERROR ", format, args)
}

// Warnf implements Logger.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, "WARN ", format, args)
}

// Infof implements Logger.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, "INFO ", format, args)
}

// Debugf implements Logger.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, "DEBUG ", format, args)
}

func (l *DefaultLogger) output(level Level, tag, format string, args []any) {
	if l.level >= level {
		_ = l.logger.Output(3, tag+fmt.Sprintf(format, args...))
	}
}

// Fatalf implements Logger. Fatal messages are never filtered.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Component prefixes. Use them as the leading %s of a format string.
const (
	NSDriver = "[driver] "
	NSVerify = "[verify] "
	NSCF     = "[cf] "
	NSIngest = "[ingest] "
	NSStore  = "[store] "
	NSStats  = "[stats] "
)

// OrDefault returns l, or a WARN-level stderr logger when l is nil.
func OrDefault(l Logger) Logger {
	if l == nil {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
