package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/broadcast"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/joblog"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/log"
	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

// ErrClosed is returned by Launch after Close.
var ErrClosed = errors.New("supervisor closed")

const reasonCanceled = "canceled"

// Supervisor launches downloader processes and owns the table of jobs.
// Processes live as long as the context passed to NewSupervisor, not as
// long as the request that launched them.
type Supervisor struct {
	ctx       context.Context
	cancel    context.CancelFunc
	outputDir string
	binaries  []string
	killGrace time.Duration
	keep      time.Duration
	store     *joblog.Store
	fanout    *broadcast.Fanout
	scheduler gocron.Scheduler

	mx     sync.RWMutex
	closed bool
	jobs   map[string]*job
	wg     sync.WaitGroup

	now func() time.Time
}

type job struct {
	mx       sync.Mutex
	model    model.Job
	runner   *Runner
	log      *joblog.Handle
	lines    lineScanner
	cancel   context.CancelFunc
	canceled atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func (j *job) snapshot() model.Job {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.model.Clone()
}

// NewSupervisor configures a supervisor from cfg. Output of every job goes
// through fanout. When retention is enabled, a scheduler forgets finished
// jobs older than retention.keep.
func NewSupervisor(ctx context.Context, cfg model.Config, fanout *broadcast.Fanout) (*Supervisor, error) {
	cfg = cfg.WithDefaults()
	jobsCfg := cfg.Jobs

	grace, err := ParseCueDuration(jobsCfg.KillGrace)
	if err != nil {
		return nil, fmt.Errorf("parsing jobs.kill_grace: %w", err)
	}

	logDir := jobsCfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(jobsCfg.OutputDir, "logs")
	}
	logDir, err = expandHome(logDir)
	if err != nil {
		return nil, fmt.Errorf("resolving jobs.log_dir: %w", err)
	}
	store, err := joblog.NewStore(logDir)
	if err != nil {
		return nil, err
	}

	supervisor := &Supervisor{
		outputDir: jobsCfg.OutputDir,
		binaries:  append([]string(nil), jobsCfg.Binaries...),
		killGrace: grace,
		store:     store,
		fanout:    fanout,
		jobs:      make(map[string]*job),
		now:       time.Now,
	}

	if cfg.Retention.IsEnabled() {
		supervisor.keep, err = ParseCueDuration(cfg.Retention.Keep)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.keep: %w", err)
		}
		supervisor.scheduler, err = newScheduler(ctx, cfg.Retention, func() {
			if n := supervisor.Sweep(); n > 0 {
				slog.DebugContext(ctx, "forgot finished jobs", "count", n)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("retention: %w", err)
		}
	}

	supervisor.ctx, supervisor.cancel = context.WithCancel(ctx)
	if supervisor.scheduler != nil {
		supervisor.scheduler.Start()
	}
	return supervisor, nil
}

// LogDir returns the directory holding the job logs.
func (s *Supervisor) LogDir() string {
	return s.store.Dir()
}

// OpenLog opens the log of job id for reading. Logs of jobs already
// forgotten by Sweep stay readable.
func (s *Supervisor) OpenLog(id string) (io.ReadCloser, error) {
	rc, err := s.store.Reader(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
		}
		return nil, err
	}
	return rc, nil
}

// Launch validates the request, opens the job log and spawns the
// downloader as `binary url --output dir`. It returns as soon as the
// process started; the log file exists at that point.
//
// Errors wrap one of model.ErrInvalidInput, model.ErrBinaryNotFound,
// model.ErrDirectoryUnwritable, model.ErrLogUnwritable or
// model.ErrSpawnFailed. Nothing is created for the first three; on
// ErrSpawnFailed the returned job is already finished and its log
// describes the failure.
func (s *Supervisor) Launch(ctx context.Context, url, outputDir string) (model.Job, error) {
	s.mx.RLock()
	closed := s.closed
	s.mx.RUnlock()
	if closed {
		return model.Job{}, ErrClosed
	}

	url = strings.TrimSpace(url)
	videoID, err := ValidateURL(url)
	if err != nil {
		return model.Job{}, err
	}
	bin, err := ResolveBinary(s.binaries)
	if err != nil {
		return model.Job{}, err
	}
	dir, err := ResolveOutputDir(outputDir, s.outputDir)
	if err != nil {
		return model.Job{}, err
	}

	id := uuid.NewString()
	ctx = log.ContextAttrs(ctx, slog.String("job_id", id))

	handle, err := s.store.Open(id)
	if err != nil {
		return model.Job{}, err
	}
	j := &job{
		model: model.Job{
			ID:         id,
			URL:        url,
			VideoID:    videoID,
			OutputDir:  dir,
			Executable: bin,
			Args:       []string{url, "--output", dir},
			LogPath:    handle.Path(),
			StartedAt:  s.now().UTC(),
		},
		log:    handle,
		runner: NewRunner(),
		done:   make(chan struct{}),
	}
	header := joblog.Header{
		JobID:     id,
		URL:       url,
		Binary:    bin,
		OutputDir: dir,
		Args:      j.model.Args,
		Started:   j.model.StartedAt,
	}
	if err := handle.Append(header.Bytes()); err != nil {
		return model.Job{}, errors.Join(
			fmt.Errorf("%w: %w", model.ErrLogUnwritable, err),
			handle.Close(),
		)
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	j.cancel = cancel

	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		cancel()
		return model.Job{}, errors.Join(ErrClosed, handle.Close())
	}
	s.fanout.Attach(id, handle)
	s.jobs[id] = j
	s.wg.Add(1)
	s.mx.Unlock()

	cmd := Command{
		Path:      bin,
		Args:      j.model.Args,
		KillGrace: s.killGrace,
	}
	if err := j.runner.Start(jobCtx, cmd, s.onChunk(ctx, j)); err != nil {
		slog.ErrorContext(ctx, "spawning downloader", "binary", bin, "error", err)
		reason := err.Error()
		s.finalize(ctx, j, joblog.FailureLine(reason), model.Terminal{
			ExitCode:  -1,
			Reason:    reason,
			StoppedAt: s.now().UTC(),
		})
		s.wg.Done()
		return j.snapshot(), fmt.Errorf("%w: %w", model.ErrSpawnFailed, err)
	}

	pid := j.runner.PID()
	j.mx.Lock()
	j.model.PID = pid
	j.mx.Unlock()
	slog.InfoContext(ctx, "job started", "url", url, "pid", pid, "log", handle.Path())

	go func() {
		defer s.wg.Done()
		<-j.runner.Done()
		s.exited(ctx, j)
	}()

	return j.snapshot(), nil
}

// onChunk forwards child output to the fan-out and tracks progress on
// stdout.
func (s *Supervisor) onChunk(ctx context.Context, j *job) ChunkFunc {
	id := j.model.ID
	return func(c model.Chunk) {
		c.JobID = id
		if _, err := s.fanout.OnChunk(c.JobID, c.Stream, c.Data); err != nil {
			slog.ErrorContext(ctx, "writing job log", "stream", c.Stream, "seq", c.Seq, "error", err)
		}
		if c.Stream != model.StreamStdout {
			return
		}
		j.lines.Feed(c.Data, func(line string) {
			if p, ok := ParseProgress(line); ok {
				j.mx.Lock()
				j.model.Progress = &p
				j.mx.Unlock()
			}
		})
	}
}

func (s *Supervisor) exited(ctx context.Context, j *job) {
	res := j.runner.Result()
	t := model.Terminal{
		ExitCode:  res.ExitCode(),
		StoppedAt: res.Stopped,
	}
	switch {
	case j.canceled.Load():
		t.Reason = reasonCanceled
	case res.State == nil && res.Err != nil:
		t.Reason = res.Err.Error()
	case res.State != nil && t.ExitCode < 0:
		if ws, ok := res.State.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			t.Reason = "killed by signal " + ws.Signal().String()
		} else {
			t.Reason = res.State.String()
		}
	}

	trailer := joblog.ExitLine(t.ExitCode)
	if t.ExitCode < 0 {
		trailer = joblog.FailureLine(t.Reason)
	}
	s.finalize(ctx, j, trailer, t)
}

// finalize writes the trailer, closes the log and records the terminal
// status. Only the first call for a job has an effect.
func (s *Supervisor) finalize(ctx context.Context, j *job, trailer []byte, t model.Terminal) {
	j.once.Do(func() {
		id := j.model.ID
		if _, err := s.fanout.OnChunk(id, model.StreamSystem, trailer); err != nil {
			slog.ErrorContext(ctx, "writing job log trailer", "error", err)
		}
		s.fanout.Detach(id)
		if err := j.log.Close(); err != nil {
			slog.ErrorContext(ctx, "closing job log", "error", err)
		}
		j.cancel()

		j.mx.Lock()
		j.model.Terminal = &t
		j.mx.Unlock()
		close(j.done)

		slog.InfoContext(ctx, "job finished", "exit_code", t.ExitCode, "reason", t.Reason)
	})
}

// Cancel stops a running job: SIGTERM to its process group, SIGKILL after
// jobs.kill_grace. It does not wait for the job to finish, see Wait.
func (s *Supervisor) Cancel(ctx context.Context, id string) error {
	j, err := s.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return fmt.Errorf("%w: %s", model.ErrJobFinished, id)
	default:
	}
	j.canceled.Store(true)
	j.cancel()
	slog.InfoContext(ctx, "job canceled", "job_id", id)
	return nil
}

// Wait blocks until the job finished or ctx is done.
func (s *Supervisor) Wait(ctx context.Context, id string) (model.Job, error) {
	j, err := s.lookup(id)
	if err != nil {
		return model.Job{}, err
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Job returns a snapshot of the job id.
func (s *Supervisor) Job(id string) (model.Job, error) {
	j, err := s.lookup(id)
	if err != nil {
		return model.Job{}, err
	}
	return j.snapshot(), nil
}

// Jobs returns snapshots of all known jobs, newest first.
func (s *Supervisor) Jobs() []model.Job {
	s.mx.RLock()
	ret := make([]model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		ret = append(ret, j.snapshot())
	}
	s.mx.RUnlock()

	slices.SortFunc(ret, func(a, b model.Job) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ret
}

func (s *Supervisor) lookup(id string) (*job, error) {
	s.mx.RLock()
	j, ok := s.jobs[id]
	s.mx.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	return j, nil
}

// Sweep forgets finished jobs which stopped more than retention.keep ago
// and returns how many were removed. Log files are kept.
func (s *Supervisor) Sweep() int {
	if s.keep <= 0 {
		return 0
	}
	limit := s.now().Add(-s.keep)

	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for id, j := range s.jobs {
		snap := j.snapshot()
		if snap.Terminal != nil && snap.Terminal.StoppedAt.Before(limit) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

// Close terminates every running job and waits until all of them are
// finalized or ctx is done.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return nil
	}
	s.closed = true
	s.mx.Unlock()

	var errs []error
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("shutting down gocron: %w", err))
		}
	}

	for _, j := range s.Jobs() {
		if j.Running() {
			slog.InfoContext(ctx, "stopping job", "job_id", j.ID, "pid", j.PID)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for jobs: %w", ctx.Err()))
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
