package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

const (
	testTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	testSpanID  = "00f067aa0ba902b7"
)

func spanContext(t *testing.T) context.Context {
	t.Helper()

	traceID, err := trace.TraceIDFromHex(testTraceID)
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex(testSpanID)
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	require.True(t, sc.IsValid())

	return trace.ContextWithSpanContext(context.Background(), sc)
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestTraceHandlerInjectsActiveSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(spanContext(t), "transfer started", "download_id", 7)

	entry := logLine(t, &buf)
	assert.Equal(t, testTraceID, entry["trace_id"])
	assert.Equal(t, testSpanID, entry["span_id"])
	assert.Equal(t, "transfer started", entry["msg"])
	assert.Equal(t, float64(7), entry["download_id"])
}

func TestTraceHandlerSkipsRecordsOutsideSpans(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceHandler(slog.NewJSONHandler(&buf, nil)))
	logger.InfoContext(context.Background(), "no trace here")

	entry := logLine(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.Equal(t, "no trace here", entry["msg"])
}

func TestTraceHandlerDelegatesEnabled(t *testing.T) {
	h := NewTraceHandler(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx := context.Background()
	assert.False(t, h.Enabled(ctx, slog.LevelInfo))
	assert.True(t, h.Enabled(ctx, slog.LevelWarn))
	assert.True(t, h.Enabled(ctx, slog.LevelError))
}

func TestTraceHandlerSurvivesWithAttrs(t *testing.T) {
	var buf bytes.Buffer

	base := NewTraceHandler(slog.NewJSONHandler(&buf, nil))
	derived := base.WithAttrs([]slog.Attr{slog.String("component", "worker")})

	slog.New(derived).InfoContext(spanContext(t), "tick")

	entry := logLine(t, &buf)
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, testTraceID, entry["trace_id"], "trace injection must survive WithAttrs")
}

func TestTraceHandlerSurvivesWithGroup(t *testing.T) {
	var buf bytes.Buffer

	base := NewTraceHandler(slog.NewJSONHandler(&buf, nil))
	derived := base.WithGroup("detail")

	slog.New(derived).InfoContext(spanContext(t), "tick", "queued", 3)

	entry := logLine(t, &buf)

	detail, ok := entry["detail"].(map[string]any)
	require.True(t, ok, "keys after WithGroup must land in the group")
	assert.Equal(t, float64(3), detail["queued"])
	assert.Equal(t, testTraceID, detail["trace_id"], "record attrs ride inside the open group")
}

func TestNewTraceHandlerRejectsNil(t *testing.T) {
	assert.Panics(t, func() { NewTraceHandler(nil) })
}
