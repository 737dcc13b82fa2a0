package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/paulgrammer/taskmaster/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, slog.LevelInfo, "json")

	ctx := log.ContextAttrs(context.Background(), slog.String("job_id", "abc"))
	logger.InfoContext(ctx, "job started", "script", "a.py")
	logger.DebugContext(ctx, "not shown")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "job started", rec["msg"])
	require.Equal(t, "abc", rec["job_id"])
	require.Equal(t, "a.py", rec["script"])
}

func TestContextAttrsDoNotLeak(t *testing.T) {
	parent := log.ContextAttrs(context.Background(), slog.String("a", "1"))
	first := log.ContextAttrs(parent, slog.String("b", "2"))
	second := log.ContextAttrs(parent, slog.String("c", "3"))

	var buf bytes.Buffer
	logger := log.New(&buf, slog.LevelInfo, "json")
	logger.InfoContext(second, "x")
	_ = first

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "3", rec["c"])
	require.NotContains(t, rec, "b")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, log.ParseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, log.ParseLevel("warning"))
	require.Equal(t, slog.LevelError, log.ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, log.ParseLevel("bogus"))
}
