package model

import (
	"errors"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen    = ":3001"
	DefaultOutputDir = "outputs"
	DefaultKillGrace = "10s"
	DefaultBuffer    = 64
	DefaultMaxDrops  = 32
	DefaultKeep      = "1d"
	DefaultSweep     = "1h"
)

// DefaultBinaries are the release and debug build locations of the
// downloader, probed in this order.
var DefaultBinaries = []string{
	"target/release/rust-downloader",
	"target/debug/rust-downloader",
}

// ErrRetentionSchedule is returned by LoadConfig when both retention.cron
// and retention.duration are set.
var ErrRetentionSchedule = errors.New("retention.cron and retention.duration are mutually exclusive")

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Service   Service   `json:"service" yaml:"service"`
	Server    Server    `json:"server" yaml:"server"`
	Jobs      Jobs      `json:"jobs" yaml:"jobs"`
	Broadcast Broadcast `json:"broadcast" yaml:"broadcast"`
	Retention Retention `json:"retention" yaml:"retention"`
}

type Service struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

type Server struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty"`
}

// Jobs configures where the downloader is looked up and where it writes.
type Jobs struct {
	OutputDir string   `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	LogDir    string   `json:"log_dir,omitempty" yaml:"log_dir,omitempty"` // default <output_dir>/logs
	Binaries  []string `json:"binaries,omitempty" yaml:"binaries,omitempty"`
	KillGrace string   `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty"`
}

// Broadcast configures per-subscriber queues.
type Broadcast struct {
	Buffer   int `json:"buffer,omitempty" yaml:"buffer,omitempty"`
	MaxDrops int `json:"max_drops,omitempty" yaml:"max_drops,omitempty"`
}

// Retention controls how long finished jobs stay in memory. At most one of
// Cron and Duration may be set; with neither the default Duration applies.
type Retention struct {
	Enabled  *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Keep     string `json:"keep,omitempty" yaml:"keep,omitempty"`
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// DefaultConfig is written to disk when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{Log: LogStderr},
		Server:  Server{Listen: DefaultListen},
		Jobs: Jobs{
			OutputDir: DefaultOutputDir,
			Binaries:  append([]string(nil), DefaultBinaries...),
			KillGrace: DefaultKillGrace,
		},
		Broadcast: Broadcast{Buffer: DefaultBuffer, MaxDrops: DefaultMaxDrops},
		Retention: Retention{Enabled: ptr(true), Keep: DefaultKeep, Duration: DefaultSweep},
	}
}

// WithDefaults fills every field left empty by a partial configuration file.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Service.Log == "" {
		c.Service.Log = d.Service.Log
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Jobs.OutputDir == "" {
		c.Jobs.OutputDir = d.Jobs.OutputDir
	}
	if len(c.Jobs.Binaries) == 0 {
		c.Jobs.Binaries = d.Jobs.Binaries
	}
	if c.Jobs.KillGrace == "" {
		c.Jobs.KillGrace = d.Jobs.KillGrace
	}
	if c.Broadcast.Buffer == 0 {
		c.Broadcast.Buffer = d.Broadcast.Buffer
	}
	if c.Broadcast.MaxDrops == 0 {
		c.Broadcast.MaxDrops = d.Broadcast.MaxDrops
	}
	if c.Retention.Enabled == nil {
		c.Retention.Enabled = d.Retention.Enabled
	}
	if c.Retention.Keep == "" {
		c.Retention.Keep = d.Retention.Keep
	}
	if c.Retention.Cron == "" && c.Retention.Duration == "" {
		c.Retention.Duration = d.Retention.Duration
	}
	return c
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// The result has defaults applied.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if out.Retention.Cron != "" && out.Retention.Duration != "" {
		return Config{}, ErrRetentionSchedule
	}

	return out.WithDefaults(), nil
}

// IsEnabled reports whether the retention sweep runs; unset means enabled.
func (r Retention) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

func ptr[T any](v T) *T {
	return &v
}
