package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultLoggerLevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error %d", 1)
			logger.Warnf("warn %d", 2)
			logger.Infof("info %d", 3)
			logger.Debugf("debug %d", 4)

			out := buf.String()
			require.Equal(t, tt.wantError, strings.Contains(out, "ERROR error 1"))
			require.Equal(t, tt.wantWarn, strings.Contains(out, "WARN warn 2"))
			require.Equal(t, tt.wantInfo, strings.Contains(out, "INFO info 3"))
			require.Equal(t, tt.wantDebug, strings.Contains(out, "DEBUG debug 4"))
		})
	}
}

func TestFatalfCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got atomic.Value
	logger.SetFatalHandler(func(msg string) { got.Store(msg) })
	logger.Fatalf("%sput error: %s", NSDriver, "disk full")

	require.Contains(t, buf.String(), "FATAL [driver] put error: disk full")
	require.Equal(t, "[driver] put error: disk full", got.Load())
}

func TestFatalfWithoutHandler(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, LevelError).Fatalf("boom")
	require.Contains(t, buf.String(), "FATAL boom")
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)

	var got string
	l := &DiscardLogger{OnFatal: func(msg string) { got = msg }}
	l.Fatalf("fatal %s on key %d", "put", 7)
	require.Equal(t, "fatal put on key 7", got)
}

func TestParseLevel(t *testing.T) {
	for _, l := range []Level{LevelError, LevelWarn, LevelInfo, LevelDebug} {
		got, err := ParseLevel(strings.ToLower(l.String()))
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
	require.Equal(t, "UNKNOWN", Level(99).String())
}

func TestLogFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)
	logger.Infof("%s%s", NSCF, "dropping column family 2")

	out := buf.String()
	// YYYY/MM/DD HH:MM:SS LEVEL [component] message
	require.Regexp(t, `^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} INFO \[cf\] dropping column family 2\n$`, out)

	for _, ns := range []string{NSDriver, NSVerify, NSCF, NSIngest, NSStore, NSStats} {
		require.True(t, strings.HasPrefix(ns, "[") && strings.HasSuffix(ns, "] "), ns)
	}
}
