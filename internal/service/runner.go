package service

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/Sarabjeet-singh1/yt-video-downloader/internal/model"
)

var (
	ErrNotStarted     = errors.New("process not started")
	ErrAlreadyStarted = errors.New("runner already started")
)

// ChunkFunc receives every buffer read from the child. Calls for one
// stream are sequential and in the order the OS delivered the data, with
// Seq counting up from 1; the two streams are read concurrently. Data is
// owned by the callee. JobID is left empty.
type ChunkFunc func(c model.Chunk)

// Command describes a single execution of the downloader.
type Command struct {
	Path string
	Args []string
	Env  []string
	// KillGrace is the time between SIGTERM and SIGKILL once the context
	// passed to Start is done. Zero kills right away.
	KillGrace time.Duration
}

type Result struct {
	Path    string
	Args    []string
	PID     int
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the exit status, or -1 if the process did not exit
// normally.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner runs one process in its own process group with stdout and stderr
// captured as separate streams.
type Runner struct {
	mx        sync.Mutex
	started   bool
	result    Result
	killTimer *time.Timer
	done      chan struct{}
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
		done:   make(chan struct{}),
	}
}

// Start spawns the process and returns without waiting for it. Canceling
// ctx terminates the whole process group, see Command.KillGrace. A Runner
// can be started only once.
func (r *Runner) Start(ctx context.Context, proto Command, onChunk ChunkFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	if proto.Env != nil {
		cmd.Env = append(os.Environ(), proto.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = &streamWriter{stream: model.StreamStdout, fn: onChunk}
	cmd.Stderr = &streamWriter{stream: model.StreamStderr, fn: onChunk}
	cmd.Cancel = func() error {
		return r.terminate(cmd, proto.KillGrace)
	}
	// grandchildren holding the pipes must not keep Wait blocked forever
	cmd.WaitDelay = proto.KillGrace + 5*time.Second

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		close(r.done)
		return err
	}
	r.result.PID = cmd.Process.Pid

	go r.wait(cmd)
	return nil
}

// terminate sends SIGTERM to the process group and arms SIGKILL after
// grace. It runs on the goroutine of exec.Cmd once the context is done.
func (r *Runner) terminate(cmd *exec.Cmd, grace time.Duration) error {
	pgid := -cmd.Process.Pid
	sig := syscall.SIGTERM
	if grace <= 0 {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(pgid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	if sig == syscall.SIGTERM {
		r.mx.Lock()
		select {
		case <-r.done:
		default:
			r.killTimer = time.AfterFunc(grace, func() {
				if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
					slog.Error("killing process group", "pid", -pgid, "error", err)
				}
			})
		}
		r.mx.Unlock()
	}
	return err
}

func (r *Runner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	if r.killTimer != nil {
		r.killTimer.Stop()
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	close(r.done)
}

// PID returns the process id, zero before a successful Start.
func (r *Runner) PID() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.result.PID
}

// Done is closed once the process was reaped and both streams drained,
// or Start failed.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

// Result returns the last known result. Err is ErrNotStarted before Start
// and nil while the process runs.
func (r *Runner) Result() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	res := r.result
	res.Args = append([]string(nil), r.result.Args...)
	return res
}

// streamWriter turns the copy loop of exec.Cmd into chunk callbacks. Each
// stream gets its own copy goroutine, so calls for one stream are ordered.
type streamWriter struct {
	stream model.Stream
	fn     ChunkFunc
	seq    uint64
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if w.fn != nil && len(p) > 0 {
		w.seq++
		w.fn(model.Chunk{
			Stream: w.stream,
			Seq:    w.seq,
			Data:   append([]byte(nil), p...),
		})
	}
	return len(p), nil
}
