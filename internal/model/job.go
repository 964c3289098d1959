package model

import (
	"time"
)

// Stream tags the origin of an output chunk.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	// StreamSystem marks lines produced by the supervisor itself
	// (spawn errors, exit summary).
	StreamSystem Stream = "system"
)

// Chunk is a buffer delivered by the OS from one of the child's streams.
// Seq grows per stream and reflects the arrival order.
type Chunk struct {
	JobID  string
	Stream Stream
	Seq    uint64
	Data   []byte
}

// Job is one invocation of the downloader binary for one URL.
type Job struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	VideoID    string    `json:"videoId"`
	OutputDir  string    `json:"outputDir"`
	Executable string    `json:"executable"`
	Args       []string  `json:"args"`
	PID        int       `json:"processId,omitempty"`
	LogPath    string    `json:"logPath"`
	StartedAt  time.Time `json:"startedAt"`
	Progress   *Progress `json:"progress,omitempty"`
	Terminal   *Terminal `json:"terminal,omitempty"`
}

// Running reports whether the job has no terminal status yet.
func (j Job) Running() bool {
	return j.Terminal == nil
}

// Clone returns a deep copy safe to hand out to callers.
func (j Job) Clone() Job {
	c := j
	c.Args = append([]string(nil), j.Args...)
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.Terminal != nil {
		t := *j.Terminal
		c.Terminal = &t
	}
	return c
}

// Terminal is the final state of a job. ExitCode is -1 when the process
// never ran or was killed by a signal.
type Terminal struct {
	ExitCode  int       `json:"exitCode"`
	Reason    string    `json:"reason,omitempty"`
	StoppedAt time.Time `json:"stoppedAt"`
}

// Success reports a clean zero exit.
func (t Terminal) Success() bool {
	return t.ExitCode == 0 && t.Reason == ""
}

// Progress is the last download progress reported by the binary.
type Progress struct {
	Percent float64 `json:"percent"`
	Size    string  `json:"size,omitempty"`
	Speed   string  `json:"speed,omitempty"`
	ETA     string  `json:"eta,omitempty"`
}
