package logging

import "fmt"

// DiscardLogger drops every message. Fatalf still calls its handler, so
// tests that silence output keep the fatal signal.
type DiscardLogger struct {
	OnFatal FatalHandler
}

// Discard drops every message and has no fatal handler.
var Discard Logger = &DiscardLogger{}

// Errorf implements Logger.
func (l *DiscardLogger) Errorf(format string, args ...any) {}

// Warnf implements Logger.
func (l *DiscardLogger) Warnf(format string, args ...any) {}

// Infof implements Logger.
func (l *DiscardLogger) Infof(format string, args ...any) {}

// Debugf implements Logger.
func (l *DiscardLogger) Debugf(format string, args ...any) {}

// Fatalf implements Logger.
func (l *DiscardLogger) Fatalf(format string, args ...any) {
	if l.OnFatal != nil {
		l.OnFatal(fmt.Sprintf(format, args...))
	}
}
