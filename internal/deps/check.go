// Package deps reports whether the external tools the downloader relies on
// are installed.
package deps

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/parallel"
)

// ErrMissing is returned by Missing when at least one tool is unavailable.
var ErrMissing = errors.New("missing dependencies")

// Tool is an external command probed by running it with Args.
type Tool struct {
	Name        string
	Command     string
	Args        []string
	InstallHint string
}

// DefaultTools are the tools used by the downloader binary.
var DefaultTools = []Tool{
	{
		Name:        "yt-dlp",
		Command:     "yt-dlp",
		Args:        []string{"--version"},
		InstallHint: "Install with: brew install yt-dlp (macOS) or pip install yt-dlp",
	},
	{
		Name:        "ffmpeg",
		Command:     "ffmpeg",
		Args:        []string{"-version"},
		InstallHint: "Install with: brew install ffmpeg (macOS) or apt install ffmpeg (Ubuntu)",
	},
}

// Status is the outcome of probing a single Tool.
type Status struct {
	Tool      Tool
	Available bool
	Version   string
	Err       error
}

// Attr renders the status for structured logging.
func (s Status) Attr() slog.Attr {
	attrs := []slog.Attr{
		slog.Bool("available", s.Available),
		slog.String("command", s.Tool.Command),
	}
	if s.Available {
		attrs = append(attrs, slog.String("version", s.Version))
	} else {
		attrs = append(attrs,
			slog.String("error", errString(s.Err)),
			slog.String("hint", s.Tool.InstallHint),
		)
	}
	return slog.GroupAttrs(s.Tool.Name, attrs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

const probeTimeout = 10 * time.Second

// Check probes all tools concurrently. The order of the result follows
// tools. A missing tool is not an error, see Status.Available.
func Check(ctx context.Context, tools []Tool) ([]Status, error) {
	return parallel.Map(ctx, 4, tools, probe)
}

// Missing joins an error for every unavailable tool, nil if all are there.
func Missing(statuses []Status) error {
	var errs []error
	for _, s := range statuses {
		if !s.Available {
			errs = append(errs, fmt.Errorf("%s: %w", s.Tool.Name, s.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrMissing, errors.Join(errs...))
}

func probe(ctx context.Context, tool Tool) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := Status{Tool: tool}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool.Command, tool.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		status.Err = err
		slog.DebugContext(ctx, "dependency not available", "tool", tool.Name, "error", err)
		return status, nil
	}

	status.Available = true
	status.Version = version(stdout.Bytes())
	return status, nil
}

// version returns the first word containing a digit on the first line
// containing a digit, "unknown" if there is none.
func version(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.ContainsFunc(line, unicode.IsDigit) {
			continue
		}
		for word := range strings.FieldsSeq(line) {
			if strings.ContainsFunc(word, unicode.IsDigit) {
				return word
			}
		}
	}
	return "unknown"
}
