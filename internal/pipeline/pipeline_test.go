package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func requireTools(t *testing.T, tools ...string) {
	t.Helper()
	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

// run builds and runs stages under a deadline so a hang fails the test
// instead of stalling the suite.
func run(t *testing.T, stages []Stage, input []byte, opts ...Option) (*Result, error) {
	t.Helper()
	p, err := Build(stages, input, opts...)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := p.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("pipeline did not finish before the deadline")
	}
	return res, err
}

func TestIdentityPipeline(t *testing.T) {
	requireTools(t, "cat")
	input := []byte("line one\nline two\n\x00binary\xff tail")

	for n := 1; n <= 3; n++ {
		t.Run(fmt.Sprintf("stages=%d", n), func(t *testing.T) {
			stages := make([]Stage, n)
			for i := range stages {
				stages[i] = NewStage("cat")
			}
			res, err := run(t, stages, input)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if !bytes.Equal(res.Stdout, input) {
				t.Errorf("stdout = %q, want %q", res.Stdout, input)
			}
			if len(res.Stages) != n {
				t.Fatalf("got %d stage statuses, want %d", len(res.Stages), n)
			}
			for _, s := range res.Stages {
				if s.ExitCode != 0 {
					t.Errorf("stage %d exit code = %d", s.Index, s.ExitCode)
				}
			}
		})
	}
}

func TestTransformPair(t *testing.T) {
	requireTools(t, "printf", "tr")
	res, err := run(t, []Stage{
		NewStage("printf", "hello"),
		NewStage("tr", "a-z", "A-Z"),
	}, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := string(res.Stdout); got != "HELLO" {
		t.Errorf("stdout = %q, want %q", got, "HELLO")
	}
	if err := res.Check(ExitPolicyAny); err != nil {
		t.Errorf("check: %v", err)
	}
}

func TestLargeInputDoesNotDeadlock(t *testing.T) {
	requireTools(t, "cat")
	input := bytes.Repeat([]byte("0123456789abcdef"), 1<<16) // 1 MiB

	res, err := run(t, []Stage{NewStage("cat")}, input)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !bytes.Equal(res.Stdout, input) {
		t.Fatalf("stdout differs from input: got %d bytes, want %d", len(res.Stdout), len(input))
	}
}

func TestEarlyExitBreaksUpstreamPipe(t *testing.T) {
	requireTools(t, "yes", "sh", "cat")

	res, err := run(t, []Stage{
		NewStage("yes"),
		NewStage("sh", "-c", "exit 3"),
		NewStage("cat"),
	}, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.Stages[0].BrokenPipe() {
		t.Errorf("upstream stage: exit=%d signal=%v, want SIGPIPE", res.Stages[0].ExitCode, res.Stages[0].Signal)
	}
	if res.Stages[1].ExitCode != 3 {
		t.Errorf("middle stage exit code = %d, want 3", res.Stages[1].ExitCode)
	}
	if res.ExitCode != 0 || len(res.Stdout) != 0 {
		t.Errorf("final stage: exit=%d stdout=%q, want clean empty output", res.ExitCode, res.Stdout)
	}

	if err := res.Check(ExitPolicyFinal); err != nil {
		t.Errorf("final policy: unexpected error %v", err)
	}
	var exitErr *ExitError
	if err := res.Check(ExitPolicyAny); !errors.As(err, &exitErr) {
		t.Fatalf("any policy: got %v, want *ExitError", err)
	}
	if exitErr.Stage != 1 || exitErr.Code != 3 {
		t.Errorf("any policy blamed stage %d code %d, want stage 1 code 3", exitErr.Stage, exitErr.Code)
	}
}

func TestEarlyExitWithPendingInput(t *testing.T) {
	requireTools(t, "sh")
	input := bytes.Repeat([]byte("x"), 4<<20)

	res, err := run(t, []Stage{NewStage("sh", "-c", "exit 0")}, input)
	if err != nil {
		t.Fatalf("unread input must not be a communication error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestMissingExecutable(t *testing.T) {
	requireTools(t, "sh")
	marker := filepath.Join(t.TempDir(), "spawned")

	_, err := run(t, []Stage{
		NewStage("/nonexistent/morpheus-no-such-tool"),
		NewStage("sh", "-c", "touch "+marker),
	}, []byte("data"))

	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("got %v, want *LaunchError", err)
	}
	if launchErr.Stage != 0 {
		t.Errorf("launch error stage = %d, want 0", launchErr.Stage)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Errorf("second stage was spawned after the first failed to launch")
	}
}

func TestLaunchFailureReapsStartedStages(t *testing.T) {
	requireTools(t, "sh", "sleep")
	p, err := Build([]Stage{
		NewStage("sh", "-c", "echo starting >&2; sleep 30"),
		NewStage("sleep", "30"),
		NewStage("/nonexistent/morpheus-no-such-tool"),
	}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	start := time.Now()
	res, err := p.Run(context.Background())
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != 2 {
		t.Fatalf("got %v, want *LaunchError for stage 2", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("started stages were not killed, run took %s", elapsed)
	}
	if res == nil || len(res.Stages) != 2 {
		t.Fatalf("want statuses of the two started stages, got %+v", res)
	}
	for _, s := range res.Stages {
		if s.PID == 0 || s.Signal != syscall.SIGKILL {
			t.Errorf("stage %d: pid=%d signal=%v, want a killed process", s.Index, s.PID, s.Signal)
		}
	}
	assertReaped(t, res)
	assertNoChildren(t)
}

func TestTimeoutKillsGrandchildren(t *testing.T) {
	requireTools(t, "sh", "sleep", "touch", "cat")
	marker := filepath.Join(t.TempDir(), "survived")

	p, err := Build([]Stage{
		NewStage("sh", "-c", "(sleep 1; touch "+marker+") & sleep 5; echo done"),
		NewStage("cat"),
	}, nil, WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	start := time.Now()
	res, err := p.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run waited for the stage's children: took %s", elapsed)
	}
	if len(res.Stdout) != 0 {
		t.Errorf("stdout = %q, want nothing from a killed stage", res.Stdout)
	}
	assertReaped(t, res)

	time.Sleep(1500 * time.Millisecond)
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Errorf("background child of the stage outlived the timeout")
	}
}

func TestFailedStreamKillsStages(t *testing.T) {
	requireTools(t, "sleep")
	cmd := NewStage("sleep", "30").command(context.Background())
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	cmds := []*exec.Cmd{cmd}

	var (
		g       errgroup.Group
		aborted atomic.Bool
		abort   = func() { aborted.Store(true); kill(cmds) }
		readErr = errors.New("read failed")
	)
	// the first function stands in for a reader blocked until the stage exits
	g.Go(func() error { return cmd.Wait() })
	g.Go(abortOnError(abort, func() error { return readErr }))

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if !errors.Is(err, readErr) {
			t.Errorf("group error = %v, want %v", err, readErr)
		}
	case <-time.After(10 * time.Second):
		kill(cmds)
		t.Fatal("stream failure did not stop the stage")
	}
	if !aborted.Load() {
		t.Error("abort was not called")
	}
}

func TestStderrIsKeptOutOfTheChain(t *testing.T) {
	requireTools(t, "sh", "cat")
	res, err := run(t, []Stage{
		NewStage("sh", "-c", "echo data; echo first-diag >&2"),
		NewStage("sh", "-c", "cat; echo second-diag >&2"),
	}, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := string(res.Stdout); got != "data\n" {
		t.Errorf("stdout = %q, want %q", got, "data\n")
	}
	if got := string(res.Stages[0].Stderr); got != "first-diag\n" {
		t.Errorf("stage 0 stderr = %q", got)
	}
	if got := string(res.Stderr); got != "second-diag\n" {
		t.Errorf("final stderr = %q", got)
	}
}

func TestStageDirAndEnv(t *testing.T) {
	requireTools(t, "sh")
	dir := t.TempDir()
	res, err := run(t, []Stage{
		NewStage("sh", "-c", `pwd; echo "$MORPHEUS_TEST"`).WithDir(dir).WithEnv("MORPHEUS_TEST=first", "MORPHEUS_TEST=second"),
	}, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(res.Stdout)), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected output %q", res.Stdout)
	}
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(lines[0])
	if got != want {
		t.Errorf("working dir = %q, want %q", got, want)
	}
	if lines[1] != "second" {
		t.Errorf("env value = %q, want %q", lines[1], "second")
	}
}

func TestStageIsImmutable(t *testing.T) {
	args := []string{"-c", "true"}
	base := NewStage("sh", args...)
	args[1] = "false"
	derived := base.WithEnv("A=1").WithDir("/tmp")

	if got := base.Args()[1]; got != "true" {
		t.Errorf("stage shares the caller's argument slice: %q", got)
	}
	if len(base.Env()) != 0 || base.Dir() != "" {
		t.Errorf("With* modified the receiver: env=%v dir=%q", base.Env(), base.Dir())
	}
	if derived.Dir() != "/tmp" || len(derived.Env()) != 1 {
		t.Errorf("derived stage = dir %q env %v", derived.Dir(), derived.Env())
	}
}

func TestTimeoutKillsStages(t *testing.T) {
	requireTools(t, "sleep")
	p, err := Build([]Stage{NewStage("sleep", "30")}, nil, WithTimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	start := time.Now()
	res, err := p.Run(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("timeout did not stop the stage")
	}
	if res == nil || res.Stages[0].Signal != syscall.SIGKILL {
		t.Errorf("expected the stage to be killed, got %+v", res)
	}
}

func TestCancelTerminatesAllStages(t *testing.T) {
	requireTools(t, "sleep", "cat")
	p, err := Build([]Stage{NewStage("sleep", "30"), NewStage("cat")}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := p.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	assertReaped(t, res)
}

func TestNoProcessesLeftBehind(t *testing.T) {
	requireTools(t, "printf", "tr", "cat")
	res, err := run(t, []Stage{
		NewStage("printf", "abc"),
		NewStage("tr", "a-z", "A-Z"),
		NewStage("cat"),
	}, nil)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	assertReaped(t, res)
}

func assertReaped(t *testing.T, res *Result) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process table inspection needs /proc")
	}
	for _, s := range res.Stages {
		if s.PID == 0 {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf("/proc/%d", s.PID)); !os.IsNotExist(err) {
			t.Errorf("stage %d (pid %d) still present in the process table", s.Index, s.PID)
		}
	}
}

// assertNoChildren fails when this process still has child processes.
func assertNoChildren(t *testing.T) {
	t.Helper()
	tasks, err := filepath.Glob("/proc/self/task/*/children")
	if err != nil || len(tasks) == 0 {
		t.Skip("children listing needs /proc/self/task/*/children")
	}
	for _, f := range tasks {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if pids := strings.TrimSpace(string(data)); pids != "" {
			t.Errorf("child processes left behind: %s", pids)
		}
	}
}

func TestBuildValidation(t *testing.T) {
	if _, err := Build(nil, nil); err == nil {
		t.Error("expected error for empty pipeline")
	}
	if _, err := Build([]Stage{NewStage("cat"), {}}, nil); err == nil {
		t.Error("expected error for stage without executable")
	}
}

func TestRunTwice(t *testing.T) {
	requireTools(t, "true")
	p, err := Build([]Stage{NewStage("true")}, nil)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if _, err := p.Run(context.Background()); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second run: got %v, want ErrAlreadyRun", err)
	}
}

func TestParseExitPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    ExitPolicy
		wantErr bool
	}{
		{"", ExitPolicyFinal, false},
		{"final", ExitPolicyFinal, false},
		{"ANY", ExitPolicyAny, false},
		{" ignore ", ExitPolicyIgnore, false},
		{"sometimes", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseExitPolicy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseExitPolicy(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseExitPolicy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
