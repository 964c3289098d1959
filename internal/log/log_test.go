package log_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/log"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, false)

	ctx := log.ContextAttrs(t.Context(), slog.String("job_id", "j-1"))
	child := log.ContextAttrs(ctx, slog.Int("pid", 42))

	logger.DebugContext(child, "hidden")
	require.Zero(t, buf.Len())

	logger.InfoContext(ctx, "parent")
	logger.With("component", "test").InfoContext(child, "child")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var parent, kid map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &parent))
	require.NoError(t, json.Unmarshal(lines[1], &kid))
	require.Equal(t, "j-1", parent["job_id"])
	require.NotContains(t, parent, "pid")
	require.Equal(t, "j-1", kid["job_id"])
	require.EqualValues(t, 42, kid["pid"])
	require.Equal(t, "test", kid["component"])
}

func TestOutput(t *testing.T) {
	cases := map[string]io.Writer{
		"":               os.Stderr,
		model.LogStderr:  os.Stderr,
		model.LogStdout:  os.Stdout,
		model.LogDiscard: io.Discard,
	}
	for dest, want := range cases {
		w, c, err := log.Output(dest)
		require.NoError(t, err)
		require.Equal(t, want, w, dest)
		require.NoError(t, c.Close())
	}

	path := filepath.Join(t.TempDir(), "nested", "wallrelay.log")
	w, c, err := log.Output(path)
	require.NoError(t, err)
	log.New(w, true).Debug("written")
	require.NoError(t, c.Close())
	require.FileExists(t, path)
}
