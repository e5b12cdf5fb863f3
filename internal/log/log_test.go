package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/runwarden/runwarden/internal/log"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(context.Background(), slog.String("executionId", "s1_1"))
	child := log.ContextAttrs(ctx, slog.Int("pid", 42))
	logger.InfoContext(child, "started")
	logger.DebugContext(child, "hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "started", rec["msg"])
	require.Equal(t, "s1_1", rec["executionId"])
	require.Equal(t, float64(42), rec["pid"])

	// parent context is not affected by the child
	buf.Reset()
	logger.With("component", "test").InfoContext(ctx, "parent")
	rec = nil
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.NotContains(t, rec, "pid")
	require.Equal(t, "test", rec["component"])
	require.Equal(t, "s1_1", rec["executionId"])
}

func TestOutput(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runwarden.log")
	w := log.Output(path)
	logger := log.New(w, true)
	logger.Debug("to file")
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "to file")

	require.NoError(t, log.Output("discard").Close())
}
