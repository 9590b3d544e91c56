package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	if logger := New("info", "json"); logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("Expected req-123, got %q", id)
	}
}

func TestWithEscrowID_And_EscrowID(t *testing.T) {
	ctx := context.Background()

	if id := EscrowID(ctx); id != "" {
		t.Errorf("Expected empty escrow ID, got %q", id)
	}

	ctx = WithEscrowID(ctx, "esc_abc")
	if id := EscrowID(ctx); id != "esc_abc" {
		t.Errorf("Expected esc_abc, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()
	custom := New("debug", "text")

	ctx = WithLogger(ctx, custom)
	if got := FromContext(ctx); got != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestFromContext_Default(t *testing.T) {
	if got := FromContext(context.Background()); got == nil {
		t.Fatal("Expected default logger, got nil")
	}
}

func TestL_CombinesRequestAndEscrow(t *testing.T) {
	ctx := WithEscrowID(WithRequestID(context.Background(), "req-1"), "esc_1")
	if logger := L(ctx); logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}
