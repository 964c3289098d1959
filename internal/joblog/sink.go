// Package joblog stores the output of every job in its own append-only
// file. The file is the durable record of a job: everything broadcast to
// live subscribers is appended here first.
package joblog

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

// ErrSinkClosed is returned by Append once the handle was closed.
var ErrSinkClosed = errors.New("job log already closed")

const ext = ".log"

// Store owns the log directory. Files are opened through an os.Root, so a
// job id can never address a file outside of it.
type Store struct {
	dir  string
	mx   sync.Mutex
	root *os.Root
}

// NewStore prepares the log directory. The directory itself is created
// lazily by the first Open.
func NewStore(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving log dir %q: %w", dir, err)
	}
	return &Store{dir: abs}, nil
}

// Dir returns the absolute log directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns where the log of jobID lives, whether or not it exists.
func (s *Store) Path(jobID string) string {
	return filepath.Join(s.dir, jobID+ext)
}

func (s *Store) openRoot() (*os.Root, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root != nil {
		return s.root, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, err
	}
	s.root = root
	return root, nil
}

// Open creates the log file of jobID. It fails with model.ErrLogUnwritable
// if the directory or the file cannot be created, or the file already
// exists.
func (s *Store) Open(jobID string) (*Handle, error) {
	if err := validID(jobID); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLogUnwritable, err)
	}
	root, err := s.openRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLogUnwritable, err)
	}
	f, err := root.OpenFile(jobID+ext, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLogUnwritable, err)
	}
	return &Handle{
		jobID: jobID,
		path:  s.Path(jobID),
		f:     f,
	}, nil
}

// Reader opens the log of jobID for reading. The log may still be growing.
func (s *Store) Reader(jobID string) (io.ReadCloser, error) {
	if err := validID(jobID); err != nil {
		return nil, err
	}
	root, err := s.openRoot()
	if err != nil {
		return nil, err
	}
	return root.Open(jobID + ext)
}

// Close releases the directory handle. Open handles stay usable.
func (s *Store) Close() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.root == nil {
		return nil
	}
	err := s.root.Close()
	s.root = nil
	return err
}

func validID(jobID string) error {
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return fmt.Errorf("job id %q: %w", jobID, fs.ErrInvalid)
	}
	return nil
}

// Handle is the append side of a single job log. It is safe for
// concurrent use; appends are written in call order.
type Handle struct {
	jobID  string
	path   string
	mx     sync.Mutex
	f      *os.File
	closed bool
	size   int64
}

func (h *Handle) Path() string { return h.path }

// Size returns the number of bytes appended so far.
func (h *Handle) Size() int64 {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.size
}

// Append writes b at the end of the log. Calling it after Close is a
// programming error reported as ErrSinkClosed.
func (h *Handle) Append(b []byte) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		return fmt.Errorf("append to %s: %w", h.jobID, ErrSinkClosed)
	}
	n, err := h.f.Write(b)
	h.size += int64(n)
	if err != nil {
		return fmt.Errorf("append to %s: %w", h.jobID, err)
	}
	return nil
}

// Close flushes and releases the file. Subsequent calls are no-ops.
func (h *Handle) Close() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return errors.Join(h.f.Sync(), h.f.Close())
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mx.Lock()
	defer h.mx.Unlock()
	return h.closed
}
