package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"morpheus/internal/ledger"
	"morpheus/internal/pipeline"
	"morpheus/internal/storage"
)

// shellToolchain stands in for the compiler and optimizer: the first stage
// "compiles" by printing the source, the second tags it with the rank.
type shellToolchain struct {
	named        bool
	failRank     int
	failFrontend bool
}

func (s shellToolchain) Stages(source string, includes []string, rank int) []pipeline.Stage {
	transform := fmt.Sprintf(`echo "rank %d" >&2; sed "s/RANK/%d/"`, rank, rank)
	if s.named {
		transform = fmt.Sprintf(`echo "variant_%d.ll"; sed "s/RANK/%d/"`, rank, rank)
	}
	if rank == s.failRank {
		transform = "cat >/dev/null; exit 7"
	}
	if s.failFrontend {
		return []pipeline.Stage{
			pipeline.NewStage("sh", "-c", "echo 'error: expected ;' >&2; exit 1"),
			pipeline.NewStage("cat"),
		}
	}
	return []pipeline.Stage{
		pipeline.NewStage("cat", source),
		pipeline.NewStage("sh", "-c", transform),
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"sh", "cat", "sed"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
}

func newTestRunner(t *testing.T, tc shellToolchain, ranks int) (*Runner, Job, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "aso.cpp")
	if err := os.WriteFile(src, []byte("int rank = RANK;\n"), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	outDir := filepath.Join(dir, "out")
	outputs, err := storage.NewOutputStorage(outDir, ranks, tc.named)
	if err != nil {
		t.Fatalf("output storage: %v", err)
	}
	l, err := ledger.OpenLedger(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	r := NewRunner(nil)
	r.Toolchain = tc
	r.Outputs = outputs
	r.Logs = storage.NewLogStorage(filepath.Join(outDir, "logs"))
	r.Ledger = l
	r.Timeout = 30 * time.Second
	return r, Job{Source: src, Ranks: ranks}, outDir
}

func TestRunJobWritesEveryRank(t *testing.T) {
	requireShell(t)
	r, job, outDir := newTestRunner(t, shellToolchain{failRank: -1}, 3)

	report, err := r.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if len(report.Outputs) != 3 || report.RunID == "" {
		t.Fatalf("unexpected report %+v", report)
	}
	for rank, out := range report.Outputs {
		want := filepath.Join(outDir, fmt.Sprintf("aso.rank%d.ll", rank))
		if out.Path != want {
			t.Errorf("rank %d path = %s, want %s", rank, out.Path, want)
		}
		data, _ := os.ReadFile(out.Path)
		if got := string(data); got != fmt.Sprintf("int rank = %d;\n", rank) {
			t.Errorf("rank %d content = %q", rank, got)
		}
	}

	if n := r.Ledger.NextIndex(); n != 3 {
		t.Errorf("ledger has %d blocks, want 3", n)
	}
	if err := r.Ledger.VerifyOutputs(); err != nil {
		t.Errorf("ledger does not match outputs: %v", err)
	}

	logs, _ := os.ReadDir(filepath.Join(outDir, "logs"))
	if len(logs) != 3 {
		t.Errorf("got %d stage logs, want 3", len(logs))
	}
}

func TestRunJobNamedOutput(t *testing.T) {
	requireShell(t)
	r, job, outDir := newTestRunner(t, shellToolchain{named: true, failRank: -1}, 2)
	r.Named = true

	report, err := r.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("run job: %v", err)
	}
	if got := report.Outputs[1].Path; got != filepath.Join(outDir, "variant_1.ll") {
		t.Errorf("named path = %s", got)
	}
	data, _ := os.ReadFile(report.Outputs[1].Path)
	if string(data) != "int rank = 1;\n" {
		t.Errorf("named content = %q", data)
	}
}

func TestRunJobStopsAtFailingRank(t *testing.T) {
	requireShell(t)
	r, job, _ := newTestRunner(t, shellToolchain{failRank: 1}, 3)

	report, err := r.RunJob(context.Background(), job)
	var exitErr *pipeline.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("got %v, want *pipeline.ExitError", err)
	}
	if exitErr.Code != 7 || !strings.Contains(err.Error(), "rank 1") {
		t.Errorf("unexpected error %v", err)
	}
	if len(report.Outputs) != 1 {
		t.Errorf("expected only rank 0 output, got %d", len(report.Outputs))
	}
}

func TestRunJobFailingFrontend(t *testing.T) {
	requireShell(t)
	r, job, outDir := newTestRunner(t, shellToolchain{failRank: -1, failFrontend: true}, 2)

	report, err := r.RunJob(context.Background(), job)
	var exitErr *pipeline.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("got %v, want *pipeline.ExitError", err)
	}
	if exitErr.Stage != 0 || exitErr.Code != 1 {
		t.Errorf("blamed stage %d code %d, want stage 0 code 1", exitErr.Stage, exitErr.Code)
	}
	if !strings.Contains(string(exitErr.Stderr), "expected ;") {
		t.Errorf("compiler diagnostics lost: %q", exitErr.Stderr)
	}
	if len(report.Outputs) != 0 {
		t.Errorf("failed compile produced outputs: %+v", report.Outputs)
	}
	if matches, _ := filepath.Glob(filepath.Join(outDir, "*.ll")); len(matches) != 0 {
		t.Errorf("output files written for a failed compile: %v", matches)
	}
	if n := r.Ledger.NextIndex(); n != 0 {
		t.Errorf("ledger recorded %d blocks for a failed compile", n)
	}
}

func TestRunJobIgnorePolicy(t *testing.T) {
	requireShell(t)
	r, job, _ := newTestRunner(t, shellToolchain{failRank: 0}, 1)
	r.Policy = pipeline.ExitPolicyIgnore

	report, err := r.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("ignore policy should not fail: %v", err)
	}
	if len(report.Outputs) != 1 {
		t.Errorf("expected an (empty) output, got %+v", report.Outputs)
	}
}

func TestRunJobValidation(t *testing.T) {
	r := NewRunner(nil)
	if _, err := r.RunJob(context.Background(), Job{Source: "/nonexistent.cpp", Ranks: 1}); err == nil {
		t.Error("expected error for missing source")
	}
	src := filepath.Join(t.TempDir(), "a.cpp")
	if err := os.WriteFile(src, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunJob(context.Background(), Job{Source: src, Ranks: 0}); err == nil {
		t.Error("expected error for zero ranks")
	}
	if _, err := r.RunJob(context.Background(), Job{Source: src, Ranks: 1, Includes: []string{"/nonexistent"}}); err == nil {
		t.Error("expected error for missing include directory")
	}
}

func TestRunPipeline(t *testing.T) {
	requireShell(t)
	if _, err := exec.LookPath("tr"); err != nil {
		t.Skip("tr not available")
	}
	p, err := ParsePipeline([]byte(samplePipeline))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res, err := NewRunner(nil).RunPipeline(context.Background(), p)
	if err != nil {
		t.Fatalf("run pipeline: %v", err)
	}
	if got := string(res.Stdout); got != ">> HELLO\n" {
		t.Errorf("stdout = %q", got)
	}
}
