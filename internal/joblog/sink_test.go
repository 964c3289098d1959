package joblog_test

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/joblog"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "outputs", "logs")
	store, err := joblog.NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h, err := store.Open("job-1")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "job-1.log"), h.Path())
	require.FileExists(t, h.Path(), "log must exist before any output")

	t.Run("append in order", func(t *testing.T) {
		require.NoError(t, h.Append([]byte("first\n")))
		require.NoError(t, h.Append([]byte("second\n")))
		require.EqualValues(t, len("first\nsecond\n"), h.Size())

		b, err := os.ReadFile(h.Path())
		require.NoError(t, err)
		require.Equal(t, "first\nsecond\n", string(b))
	})

	t.Run("close is idempotent", func(t *testing.T) {
		require.NoError(t, h.Close())
		require.NoError(t, h.Close())
		require.True(t, h.Closed())

		b, err := os.ReadFile(h.Path())
		require.NoError(t, err)
		require.Equal(t, "first\nsecond\n", string(b))
	})

	t.Run("append after close", func(t *testing.T) {
		err := h.Append([]byte("late"))
		require.Error(t, err)
		require.ErrorIs(t, err, joblog.ErrSinkClosed)
	})

	t.Run("reader", func(t *testing.T) {
		r, err := store.Reader("job-1")
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		b, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, "first\nsecond\n", string(b))
	})

	t.Run("reopen existing", func(t *testing.T) {
		_, err := store.Open("job-1")
		require.ErrorIs(t, err, model.ErrLogUnwritable)
	})

	t.Run("escape", func(t *testing.T) {
		for _, id := range []string{"", "..", "../x", "a/b"} {
			_, err := store.Open(id)
			require.ErrorIs(t, err, model.ErrLogUnwritable, id)
		}
	})
}

func TestStoreUnwritable(t *testing.T) {
	t.Parallel()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	// a regular file in place of a parent directory
	store, err := joblog.NewStore(filepath.Join(blocker, "logs"))
	require.NoError(t, err)
	_, err = store.Open("job")
	require.Error(t, err)
	require.True(t, errors.Is(err, model.ErrLogUnwritable))
}

func TestConcurrentAppend(t *testing.T) {
	t.Parallel()
	store, err := joblog.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h, err := store.Open("c")
	require.NoError(t, err)

	const writers, lines = 4, 100
	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			for range lines {
				require.NoError(t, h.Append([]byte("0123456789\n")))
			}
		})
	}
	wg.Wait()
	require.NoError(t, h.Close())

	info, err := os.Stat(h.Path())
	require.NoError(t, err)
	require.EqualValues(t, writers*lines*11, info.Size())
}

func TestHeader(t *testing.T) {
	hdr := joblog.Header{
		JobID:     "j",
		URL:       "https://youtu.be/dQw4w9WgXcQ",
		Binary:    "/opt/rust-downloader",
		OutputDir: "/tmp/out dir",
		Args:      []string{"https://youtu.be/dQw4w9WgXcQ", "--output", "/tmp/out dir"},
		Started:   time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	want := "# job: j\n" +
		"# url: https://youtu.be/dQw4w9WgXcQ\n" +
		"# binary: /opt/rust-downloader\n" +
		"# output: /tmp/out dir\n" +
		"# command: /opt/rust-downloader https://youtu.be/dQw4w9WgXcQ --output \"/tmp/out dir\"\n" +
		"# started: 2025-01-02T03:04:05Z\n\n"
	require.Equal(t, want, string(hdr.Bytes()))
	require.Equal(t, "\nexit code 3\n", string(joblog.ExitLine(3)))
	require.Equal(t, "\nprocess failed: boom\n", string(joblog.FailureLine("boom")))
}
