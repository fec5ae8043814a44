package pipeline

import (
	"fmt"
	"os"
	"strings"
	"syscall"
)

// ExitPolicy decides which non-zero stage exits invalidate a Result.
type ExitPolicy int

const (
	// ExitPolicyFinal fails only when the final stage fails.
	ExitPolicyFinal ExitPolicy = iota
	// ExitPolicyAny fails when any stage fails. A stage killed by SIGPIPE
	// after its reader went away is not counted.
	ExitPolicyAny
	// ExitPolicyIgnore never fails; statuses are informational.
	ExitPolicyIgnore
)

func (p ExitPolicy) String() string {
	switch p {
	case ExitPolicyFinal:
		return "final"
	case ExitPolicyAny:
		return "any"
	case ExitPolicyIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("ExitPolicy(%d)", int(p))
	}
}

// ParseExitPolicy parses "final", "any" or "ignore". The empty string is
// ExitPolicyFinal.
func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "final":
		return ExitPolicyFinal, nil
	case "any":
		return ExitPolicyAny, nil
	case "ignore":
		return ExitPolicyIgnore, nil
	}
	return 0, fmt.Errorf("unknown exit policy %q (want final, any or ignore)", s)
}

// StageStatus is the outcome of one stage.
type StageStatus struct {
	Index int
	Path  string
	PID   int
	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int
	Signal   syscall.Signal
	Stderr   []byte
}

// Failed reports whether the stage exited non-zero or was killed.
func (s StageStatus) Failed() bool {
	return s.ExitCode != 0
}

// BrokenPipe reports whether the stage was killed by SIGPIPE, i.e. its
// reader exited before consuming all of its output.
func (s StageStatus) BrokenPipe() bool {
	return s.Signal == syscall.SIGPIPE
}

func (s *StageStatus) record(state *os.ProcessState) {
	s.ExitCode = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		s.Signal = ws.Signal()
	}
}

// Result is what a pipeline run produced. Stdout, Stderr and ExitCode belong
// to the final stage; Stages holds every stage in pipeline order.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Stages   []StageStatus
}

// Final returns the status of the last stage, or the zero status when no
// stage was started.
func (r *Result) Final() StageStatus {
	if len(r.Stages) == 0 {
		return StageStatus{}
	}
	return r.Stages[len(r.Stages)-1]
}

// Check applies policy and returns an *ExitError for the first stage that
// invalidates the result, or nil.
func (r *Result) Check(policy ExitPolicy) error {
	switch policy {
	case ExitPolicyIgnore:
		return nil
	case ExitPolicyAny:
		for _, s := range r.Stages {
			if s.Failed() && !s.BrokenPipe() {
				return exitError(s)
			}
		}
		return nil
	default:
		if f := r.Final(); f.Failed() {
			return exitError(f)
		}
		return nil
	}
}

func exitError(s StageStatus) *ExitError {
	return &ExitError{
		Stage:  s.Index,
		Path:   s.Path,
		Code:   s.ExitCode,
		Signal: s.Signal,
		Stderr: s.Stderr,
	}
}
