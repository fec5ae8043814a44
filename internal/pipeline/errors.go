package pipeline

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrAlreadyRun is returned when Run is called a second time on the same
// Pipeline.
var ErrAlreadyRun = errors.New("pipeline: already run")

// LaunchError reports a stage whose executable could not be started.
type LaunchError struct {
	Stage int
	Path  string
	Err   error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("pipeline: launch stage %d (%s): %v", e.Stage, e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// CommunicationError reports an unexpected failure reading or writing one of
// a stage's streams. Stream is "stdin", "stdout", "stderr" or "wait".
type CommunicationError struct {
	Stage  int
	Stream string
	Err    error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("pipeline: stage %d %s: %v", e.Stage, e.Stream, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// ExitError reports a stage that completed with a failure status. It is only
// produced by Result.Check.
type ExitError struct {
	Stage  int
	Path   string
	Code   int
	Signal syscall.Signal
	Stderr []byte
}

func (e *ExitError) Error() string {
	if e.Signal != 0 {
		return fmt.Sprintf("pipeline: stage %d (%s) killed by signal: %v", e.Stage, e.Path, e.Signal)
	}
	return fmt.Sprintf("pipeline: stage %d (%s) exited with status %d", e.Stage, e.Path, e.Code)
}

// brokenPipe reports whether err is the normal result of writing to a pipe
// whose reader has gone away.
func brokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed)
}
