package service

// Package service launches and supervises the downloader processes.
//
// Overview
// The Supervisor validates a launch request, resolves the downloader
// binary and the output directory, opens the job log and spawns the
// process. Launch returns as soon as the process runs; its output is
// handled in the background until it exits.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process in its own process group
//   - captures stdout and stderr as separate streams of raw chunks
//   - terminates the group with SIGTERM, then SIGKILL after a grace period
//   - exposes a Done channel and the final Result
//
// Data flow:
//
//   Supervisor                 Runner{cmd}              broadcast.Fanout
//       |                          |                          |
//   Launch -> validate, open log   |                          |
//       | Start() ---------------->| os/exec.Start            |
//       |                          | stdout/stderr chunks --->| OnChunk: log, subscribers
//       |<------- Done ------------| (process exits)          |
//   exited -> trailer ------------------------------------->| OnChunk(system)
//       | close log, record terminal status                   |
//
// Invariants:
//   - A job enters the table only after its log file exists.
//   - Chunks of one stream reach the fan-out in the order they were read.
//   - Every job is finalized exactly once: trailer, log close, terminal status.
//   - Cancel and Close reuse the same exit path as a natural exit.
//
// A gocron scheduler periodically forgets finished jobs, see Sweep.
