package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level       string
		debugOn     bool
		infoEnabled bool
	}{
		{"", false, true},
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"error", false, false},
	}
	for _, tt := range tests {
		t.Run("level_"+tt.level, func(t *testing.T) {
			logger := New(tt.level, "text")
			if logger == nil {
				t.Fatal("expected non-nil logger")
			}
			ctx := context.Background()
			if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.debugOn {
				t.Errorf("debug enabled = %v, want %v", got, tt.debugOn)
			}
			if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.infoEnabled {
				t.Errorf("info enabled = %v, want %v", got, tt.infoEnabled)
			}
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("expected non-nil logger for JSON format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	if id := RequestID(ctx); id != "req-123" {
		t.Errorf("expected req-123, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("later value should win, got %q", id)
	}
}

func TestLoggerFromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("expected default logger when none set")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if FromContext(ctx) != custom {
		t.Error("expected custom logger from context")
	}
}

func TestLAttachesRequestID(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("expected non-nil logger without request ID")
	}

	ctx = WithRequestID(ctx, "req-789")
	if L(ctx) == nil {
		t.Fatal("expected non-nil logger with request ID")
	}
}

func TestForAgent(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	logger := ForAgent(ctx, "arn_1", "ag_1")
	if logger == nil {
		t.Fatal("expected non-nil agent logger")
	}
}
