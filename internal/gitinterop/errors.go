package gitinterop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidName          = errors.New("invalid repository name")
	ErrAlreadyExists        = errors.New("repository already exists")
	ErrNotFound             = errors.New("repository not found")
	ErrInactive             = errors.New("repository is inactive")
	ErrInitFailed           = errors.New("repository init failed")
	ErrRefEnumerationFailed = errors.New("ref enumeration failed")
	ErrSpawnFailed          = errors.New("git process spawn failed")
	ErrAbnormalExit         = errors.New("git process exited abnormally")
	ErrIOFailure            = errors.New("git stream i/o failure")
	ErrTimeout              = errors.New("git process timed out")
)

// InitFailedError carries the stderr of a failed `git init --bare`.
type InitFailedError struct {
	Stderr string
	Err    error
}

func (e *InitFailedError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", ErrInitFailed, msg)
}

func (e *InitFailedError) Is(target error) bool { return target == ErrInitFailed }
func (e *InitFailedError) Unwrap() error        { return e.Err }

// SpawnError reports that the git binary could not be started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrSpawnFailed, e.Binary, e.Err)
}

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }
func (e *SpawnError) Unwrap() error        { return e.Err }

// AbnormalExitError reports a git process that ran and exited non-zero.
type AbnormalExitError struct {
	Code   int
	Stderr string
}

func (e *AbnormalExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", ErrAbnormalExit, e.Code)
	}
	return fmt.Sprintf("%s: exit status %d: %s", ErrAbnormalExit, e.Code, msg)
}

func (e *AbnormalExitError) Is(target error) bool { return target == ErrAbnormalExit }

// ExchangeError wraps a failed pack exchange. Started reports whether any response
// byte had already been written to the client when the failure happened.
type ExchangeError struct {
	Service string
	Started bool
	Err     error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s exchange: %v", e.Service, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ResponseStarted reports whether err is an exchange failure that happened after the
// first response byte was sent.
func ResponseStarted(err error) bool {
	var xerr *ExchangeError
	return errors.As(err, &xerr) && xerr.Started
}
