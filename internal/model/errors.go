package model

import (
	"errors"
)

// Launch failures. Callers match them with errors.Is, the wrapping error
// carries the detail.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrBinaryNotFound      = errors.New("downloader binary not found")
	ErrDirectoryUnwritable = errors.New("output directory is not writable")
	ErrSpawnFailed         = errors.New("failed to start downloader")
	ErrLogUnwritable       = errors.New("job log is not writable")
)

// Job lifecycle errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)
