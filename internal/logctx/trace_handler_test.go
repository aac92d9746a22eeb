package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

type stubSpan struct {
	trace.Span
	spanContext trace.SpanContext
}

func (s *stubSpan) SpanContext() trace.SpanContext { return s.spanContext }
func (s *stubSpan) End(...trace.SpanEndOption)     {}

func spanContext(t *testing.T) trace.SpanContext {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	if err != nil {
		t.Fatal(err)
	}

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	if err != nil {
		t.Fatal(err)
	}

	return trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output: %v", err)
	}

	return entry
}

func TestTraceHandler_NoSpanContext(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "test message", "key", "value")

	entry := logLine(t, &buf)

	if _, exists := entry["trace_id"]; exists {
		t.Errorf("trace_id should not be present without a span, got: %v", entry["trace_id"])
	}

	if _, exists := entry["span_id"]; exists {
		t.Errorf("span_id should not be present without a span, got: %v", entry["span_id"])
	}

	if entry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got: %v", entry["msg"])
	}
}

func TestTraceHandler_WithValidSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := trace.ContextWithSpan(context.Background(), &stubSpan{spanContext: spanContext(t)})
	logger.InfoContext(ctx, "test message", "key", "value")

	entry := logLine(t, &buf)

	if entry["trace_id"] != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("unexpected trace_id: %v", entry["trace_id"])
	}

	if entry["span_id"] != "00f067aa0ba902b7" {
		t.Errorf("unexpected span_id: %v", entry["span_id"])
	}

	if entry["key"] != "value" {
		t.Errorf("expected key='value', got: %v", entry["key"])
	}
}

func TestTraceHandler_Enabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()

	if h.Enabled(ctx, slog.LevelInfo) {
		t.Error("expected Info level to be disabled when handler level is Warn")
	}

	if !h.Enabled(ctx, slog.LevelError) {
		t.Error("expected Error level to be enabled")
	}
}

func TestTraceHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer

	h := NewTraceHandler(slog.NewJSONHandler(&buf, nil))

	withAttrs := h.WithAttrs([]slog.Attr{slog.String("component", "codec")})
	if _, ok := withAttrs.(*TraceHandler); !ok {
		t.Errorf("WithAttrs should return *TraceHandler, got: %T", withAttrs)
	}

	withGroup := h.WithGroup("player")
	if _, ok := withGroup.(*TraceHandler); !ok {
		t.Errorf("WithGroup should return *TraceHandler, got: %T", withGroup)
	}

	slog.New(withAttrs).InfoContext(context.Background(), "test")

	entry := logLine(t, &buf)
	if entry["component"] != "codec" {
		t.Errorf("expected component attr to survive wrapping, got: %v", entry)
	}
}

func TestTraceHandler_NilHandler(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewTraceHandler with nil handler should panic")
		}
	}()

	NewTraceHandler(nil)
}

func TestLoggerFromContext(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))

	ctx := WithLogger(context.Background(), logger)
	if got := LoggerFromContext(ctx); got != logger {
		t.Error("expected the logger stored in the context")
	}

	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Error("expected slog.Default() for a bare context")
	}
}
