package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

// videoURL accepts absolute and scheme relative links to a YouTube video
// with an 11 character id.
var videoURL = regexp.MustCompile(
	`^(?:https?:)?//(?:www\.|m\.)?(?:youtube\.com/(?:watch\?(?:.*&)?v=|embed/|v/|shorts/)|youtu\.be/)([A-Za-z0-9_-]{11})(?:[?&#].*)?$`,
)

// ValidateURL returns the video id of a supported link or an error
// wrapping model.ErrInvalidInput.
func ValidateURL(raw string) (string, error) {
	m := videoURL.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", fmt.Errorf("%w: %q is not a YouTube video URL", model.ErrInvalidInput, raw)
	}
	return m[1], nil
}

// ResolveOutputDir turns the requested directory into an absolute path of
// an existing writable directory. An empty request selects def, a leading
// ~ is the home directory. Missing directories are created. Errors wrap
// model.ErrDirectoryUnwritable.
func ResolveOutputDir(dir, def string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = def
	}
	expanded, err := expandHome(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDirectoryUnwritable, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDirectoryUnwritable, err)
	}

	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return "", fmt.Errorf("%w: %w", model.ErrDirectoryUnwritable, err)
		}
	case err != nil:
		return "", fmt.Errorf("%w: %w", model.ErrDirectoryUnwritable, err)
	case !info.IsDir():
		return "", fmt.Errorf("%w: %s is not a directory", model.ErrDirectoryUnwritable, abs)
	}

	if err := probe(abs); err != nil {
		return "", fmt.Errorf("%w: %w", model.ErrDirectoryUnwritable, err)
	}
	return abs, nil
}

func expandHome(dir string) (string, error) {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~")), nil
}

// probe creates, writes and removes a marker file in dir.
func probe(dir string) error {
	f, err := os.CreateTemp(dir, ".wallrelay-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_, werr := f.Write([]byte("ok"))
	cerr := f.Close()
	rerr := os.Remove(name)
	return errors.Join(werr, cerr, rerr)
}

// ResolveBinary returns the absolute path of the first candidate that
// exists and is a regular file. Errors wrap model.ErrBinaryNotFound.
func ResolveBinary(candidates []string) (string, error) {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		abs, err := filepath.Abs(c)
		if err != nil {
			continue
		}
		return abs, nil
	}
	return "", fmt.Errorf("%w: tried %s", model.ErrBinaryNotFound, strings.Join(candidates, ", "))
}
