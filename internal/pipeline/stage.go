package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// Stage is one external command of a pipeline. A Stage is a value: WithDir
// and WithEnv return modified copies and never touch the receiver.
type Stage struct {
	path string
	args []string
	dir  string
	env  []string
}

// NewStage returns a stage running path with args. path is resolved through
// PATH when it contains no separator.
func NewStage(path string, args ...string) Stage {
	return Stage{path: path, args: append([]string(nil), args...)}
}

// WithDir returns a copy of s that runs in dir.
func (s Stage) WithDir(dir string) Stage {
	s.args = append([]string(nil), s.args...)
	s.env = append([]string(nil), s.env...)
	s.dir = dir
	return s
}

// WithEnv returns a copy of s with KEY=VALUE entries appended to the
// inherited environment. Later entries override earlier ones.
func (s Stage) WithEnv(env ...string) Stage {
	s.args = append([]string(nil), s.args...)
	s.env = append(append([]string(nil), s.env...), env...)
	return s
}

func (s Stage) Path() string { return s.path }

func (s Stage) Args() []string { return append([]string(nil), s.args...) }

func (s Stage) Dir() string { return s.dir }

func (s Stage) Env() []string { return append([]string(nil), s.env...) }

// String renders the stage as a shell-like command line for logs.
func (s Stage) String() string {
	if len(s.args) == 0 {
		return s.path
	}
	return s.path + " " + strings.Join(s.args, " ")
}

// command runs the stage as the leader of its own process group, so
// cancellation kills whatever the stage spawned along with it.
func (s Stage) command(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd.Process) }
	return cmd
}

func killGroup(p *os.Process) error {
	if p == nil {
		return os.ErrProcessDone
	}
	err := syscall.Kill(-p.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
