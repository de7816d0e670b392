package pebblestore

import (
	"fmt"

	"github.com/aalhour/dbstress/internal/logging"
)

// pebbleLogger routes Pebble's log output into the harness logger. Pebble
// expects Fatalf not to return, so after the fatal handler runs it panics.
type pebbleLogger struct {
	l logging.Logger
}

func (p pebbleLogger) Infof(format string, args ...any) {
	p.l.Debugf(logging.NSStore+format, args...)
}

func (p pebbleLogger) Errorf(format string, args ...any) {
	p.l.Errorf(logging.NSStore+format, args...)
}

func (p pebbleLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.l.Fatalf("%s%s", logging.NSStore, msg)
	panic(msg)
}
