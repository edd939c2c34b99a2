package logger

import (
	"context"
	"testing"

	"fuzexec/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// swapGlobal installs l for the duration of the test.
func swapGlobal(t *testing.T, l *Logger) {
	t.Helper()
	prev := globalLogger
	globalLogger = l
	t.Cleanup(func() { globalLogger = prev })
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	swapGlobal(t, &Logger{zap: zap.New(core)})

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = WithSubmission(ctx, "sub-1")
	Warn(ctx, "slot quarantined", zap.Int("slot", 3))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "trace-1" {
		t.Fatalf("expected trace_id, got %v", fields["trace_id"])
	}
	if fields["submission_id"] != "sub-1" {
		t.Fatalf("expected submission_id, got %v", fields["submission_id"])
	}
	if fields["slot"] != int64(3) {
		t.Fatalf("expected slot field, got %v", fields["slot"])
	}
}

func TestGlobalHelpersWithoutLoggerAreNoop(t *testing.T) {
	swapGlobal(t, nil)
	Info(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
}
