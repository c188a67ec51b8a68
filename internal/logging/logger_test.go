package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonoursLevel(t *testing.T) {
	logger, err := NewLogger("warn", "console")
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info to be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatalf("expected warn to be enabled")
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	for _, raw := range []string{"", "verbose", "INFO"} {
		if got := parseLevel(raw); got != zapcore.InfoLevel {
			t.Fatalf("parseLevel(%q) = %v, want info", raw, got)
		}
	}
	if got := parseLevel(" Debug "); got != zapcore.DebugLevel {
		t.Fatalf("expected debug, got %v", got)
	}
}
