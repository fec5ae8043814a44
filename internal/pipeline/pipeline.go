// Package pipeline runs a chain of external commands connected through OS
// pipes, the way a shell runs "a | b | c".
//
// Every stage gets its own stderr pipe, so diagnostics never mix with the
// data flowing between stages. The parent closes its copy of each pipe end
// as soon as a child owns it: when a downstream stage exits early the
// upstream stage sees EPIPE (or dies of SIGPIPE) instead of blocking. Input
// supplied from memory is written on its own goroutine so a full pipe buffer
// can never deadlock the writer against the readers.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds the whole run. When it expires every stage still
// running is killed.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// WithLogger sets the logger used for stage lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// Pipeline is a single-use chain of stages. It owns the processes and pipe
// descriptors of its one execution.
type Pipeline struct {
	stages  []Stage
	input   []byte
	timeout time.Duration
	logger  *slog.Logger
	ran     atomic.Bool
}

// Build validates stages and returns a Pipeline ready to Run. When input is
// nil the first stage reads from the null device; otherwise input is fed to
// its stdin.
func Build(stages []Stage, input []byte, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline: at least one stage is required")
	}
	for i, st := range stages {
		if st.Path() == "" {
			return nil, fmt.Errorf("pipeline: stage %d has no executable", i)
		}
	}
	p := &Pipeline{
		stages: append([]Stage(nil), stages...),
		input:  input,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Len returns the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Run starts every stage in order, drains the final stdout and every stderr,
// and waits for all started processes before returning. A launch failure
// kills and reaps the stages already started; the returned Result then holds
// only those stages. Non-zero exits are reported in the Result, not as an
// error; see Result.Check.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var (
		res     = &Result{Stages: make([]StageStatus, 0, len(p.stages))}
		stdout  bytes.Buffer
		stderrs = make([]bytes.Buffer, len(p.stages))
		errOuts = make([]*os.File, 0, len(p.stages))
		started []*exec.Cmd
		feed    *os.File // write end of the first stage's stdin
		next    *os.File // read end handed to the next stage
	)

	if p.input != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, &CommunicationError{Stage: 0, Stream: "stdin", Err: err}
		}
		next, feed = r, w
	}

	var launchErr *LaunchError
	for i, st := range p.stages {
		cmd, out, errOut, err := launch(ctx, st, next)
		next = nil
		if err != nil {
			p.logger.Error("stage failed to start", "stage", i, "command", st.String(), "error", err)
			launchErr = &LaunchError{Stage: i, Path: st.Path(), Err: err}
			break
		}
		started = append(started, cmd)
		errOuts = append(errOuts, errOut)
		res.Stages = append(res.Stages, StageStatus{Index: i, Path: st.Path(), PID: cmd.Process.Pid})
		p.logger.Debug("stage started", "stage", i, "pid", cmd.Process.Pid, "command", st.String())
		next = out
	}

	// Every stream is read until EOF. Killing the stages (and their process
	// groups) is what unblocks the readers when something goes wrong.
	var (
		abortOnce sync.Once
		abort     = func() { abortOnce.Do(func() { kill(started) }) }
		drains    errgroup.Group
	)
	if launchErr != nil {
		if feed != nil {
			feed.Close()
		}
		abort()
	} else {
		drains.Go(abortOnError(abort, drain(len(p.stages)-1, "stdout", next, &stdout)))
		if feed != nil {
			drains.Go(abortOnError(abort, feedInput(feed, p.input)))
		}
	}
	for i, r := range errOuts {
		drains.Go(abortOnError(abort, drain(i, "stderr", r, &stderrs[i])))
	}

	ioErr := drains.Wait()
	for i, cmd := range started {
		waitErr := cmd.Wait()
		res.Stages[i].Stderr = stderrs[i].Bytes()
		if cmd.ProcessState == nil {
			if ioErr == nil {
				ioErr = &CommunicationError{Stage: i, Stream: "wait", Err: waitErr}
			}
			continue
		}
		res.Stages[i].record(cmd.ProcessState)
		p.logger.Debug("stage exited", "stage", i, "pid", res.Stages[i].PID,
			"exit_code", res.Stages[i].ExitCode, "signal", res.Stages[i].Signal)
	}

	if launchErr != nil {
		return res, launchErr
	}

	final := res.Final()
	res.Stdout = stdout.Bytes()
	res.Stderr = final.Stderr
	res.ExitCode = final.ExitCode

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("pipeline: %w", err)
	}
	if ioErr != nil {
		return res, ioErr
	}
	return res, nil
}

// launch starts st with stdin as its input and returns the read ends of its
// stdout and stderr. The child-side descriptors, stdin included, are closed
// in the parent before launch returns, whether or not the start succeeded.
func launch(ctx context.Context, st Stage, stdin *os.File) (*exec.Cmd, *os.File, *os.File, error) {
	cmd := st.command(ctx)
	if stdin != nil {
		cmd.Stdin = stdin
		defer stdin.Close()
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	defer outW.Close()

	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		return nil, nil, nil, err
	}
	defer errW.Close()

	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		outR.Close()
		errR.Close()
		return nil, nil, nil, err
	}
	return cmd, outR, errR, nil
}

func drain(stage int, stream string, r *os.File, dst *bytes.Buffer) func() error {
	return func() error {
		defer r.Close()
		if _, err := dst.ReadFrom(r); err != nil {
			return &CommunicationError{Stage: stage, Stream: stream, Err: err}
		}
		return nil
	}
}

// feedInput writes data to the first stage. A reader that exits without
// consuming everything is normal pipe closure, not a failure.
func feedInput(w *os.File, data []byte) func() error {
	return func() error {
		_, err := w.Write(data)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil && !brokenPipe(err) {
			return &CommunicationError{Stage: 0, Stream: "stdin", Err: err}
		}
		return nil
	}
}

// abortOnError runs abort when fn fails, so stages blocked on a stream
// nobody reads any more are killed instead of hanging the group.
func abortOnError(abort func(), fn func() error) func() error {
	return func() error {
		err := fn()
		if err != nil {
			abort()
		}
		return err
	}
}

// kill sends SIGKILL to the process group of every command, reaching
// grandchildren that may still hold a pipe end.
func kill(cmds []*exec.Cmd) {
	for _, c := range cmds {
		_ = killGroup(c.Process)
	}
}
