package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", zap.Int("attempt", 2))
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info entry should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"attempt":2`) {
		t.Fatalf("expected warn entry with fields, got %s", out)
	}
}

func TestParseLevelDefaultsToWarn(t *testing.T) {
	if got := ParseLevel("loud"); got != zapcore.WarnLevel {
		t.Fatalf("expected warn, got %s", got)
	}
	if got := ParseLevel("DEBUG"); got != zapcore.DebugLevel {
		t.Fatalf("expected debug, got %s", got)
	}
}
