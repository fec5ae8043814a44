// Package core ties the pieces of a run together: it turns a Job into one
// pipeline per rank, applies the exit policy, writes outputs and records
// them in the ledger. It also runs free-form Pipeline definitions.
package core

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"morpheus/internal/ledger"
	"morpheus/internal/pipeline"
	"morpheus/internal/storage"
	"morpheus/pkg/utils"
)

// StageBuilder produces the stages generating the variant of one rank.
type StageBuilder interface {
	Stages(source string, includes []string, rank int) []pipeline.Stage
}

// Runner ties together Executor + toolchain + output storage + ledger
type Runner struct {
	Executor   *Executor
	Toolchain  StageBuilder
	Outputs    *storage.OutputStorage
	Logs       *storage.LogStorage // optional
	Ledger     *ledger.Ledger      // optional
	SigningKey ed25519.PrivateKey  // optional, signs ledger blocks
	Policy     pipeline.ExitPolicy
	Timeout    time.Duration // per rank
	Named      bool          // outputs carry their file name on the first line
	Logger     *slog.Logger
}

// RankOutput is the file generated for one rank
type RankOutput struct {
	Rank   int                    `json:"rank"`
	Path   string                 `json:"path"`
	Hash   string                 `json:"hash"`
	Stages []pipeline.StageStatus `json:"-"`
}

// Report summarizes a job run
type Report struct {
	RunID   string       `json:"runId"`
	Source  string       `json:"source"`
	Outputs []RankOutput `json:"outputs"`
}

// NewRunner returns a Runner that fails a rank when any stage fails, except
// for upstream stages killed by a broken pipe.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		Executor: NewExecutor(logger),
		Policy:   pipeline.ExitPolicyAny,
		Logger:   logger,
	}
}

// RunJob generates every rank in order and stops at the first rank that
// fails. The report holds the outputs written before the failure.
func (r *Runner) RunJob(ctx context.Context, job Job) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if r.Toolchain == nil || r.Outputs == nil {
		return nil, fmt.Errorf("runner: toolchain and output storage are required")
	}

	report := &Report{RunID: uuid.NewString(), Source: job.Source}
	r.Logger.Info("starting job", "run", report.RunID, "source", job.Source, "ranks", job.Ranks)

	for rank := 0; rank < job.Ranks; rank++ {
		out, err := r.runRank(ctx, report.RunID, job, rank)
		if err != nil {
			return report, fmt.Errorf("rank %d: %w", rank, err)
		}
		report.Outputs = append(report.Outputs, *out)
	}
	r.Logger.Info("job finished", "run", report.RunID, "outputs", len(report.Outputs))
	return report, nil
}

func (r *Runner) runRank(ctx context.Context, runID string, job Job, rank int) (*RankOutput, error) {
	stages := r.Toolchain.Stages(job.Source, job.Includes, rank)
	r.Logger.Debug("running rank", "run", runID, "rank", rank, "stages", len(stages))

	res, err := r.Executor.Run(ctx, stages, nil, r.Timeout)
	if res != nil {
		r.saveLogs(runID, rank, res)
	}
	if err != nil {
		return nil, err
	}
	if err := res.Check(r.Policy); err != nil {
		return nil, err
	}

	var path string
	if r.Named {
		path, err = r.Outputs.SaveNamed(res.Stdout)
	} else {
		path, err = r.Outputs.SaveRank(job.Source, rank, res.Stdout)
	}
	if err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	hash, err := utils.HashFile(path)
	if err != nil {
		return nil, fmt.Errorf("hash output: %w", err)
	}

	if r.Ledger != nil {
		blk, err := r.Ledger.Record(runID, job.Source, rank, path, hash, r.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("record output: %w", err)
		}
		r.Logger.Debug("ledger block appended", "index", blk.Index, "hash", blk.Hash[:16])
	}

	r.Logger.Info("rank generated", "run", runID, "rank", rank, "output", path)
	return &RankOutput{Rank: rank, Path: path, Hash: hash, Stages: res.Stages}, nil
}

// saveLogs keeps the stderr of every stage that wrote any. Failing to save
// a log does not fail the rank.
func (r *Runner) saveLogs(runID string, rank int, res *pipeline.Result) {
	for _, s := range res.Stages {
		if len(s.Stderr) == 0 {
			continue
		}
		if r.Logs == nil {
			r.Logger.Debug("stage diagnostics", "rank", rank, "stage", s.Index, "stderr", string(s.Stderr))
			continue
		}
		path, err := r.Logs.SaveLog(
			fmt.Sprintf("%s-rank%d", runID[:8], rank),
			fmt.Sprintf("%d-%s", s.Index, filepath.Base(s.Path)),
			s.Stderr,
		)
		if err != nil {
			r.Logger.Warn("cannot save stage log", "rank", rank, "stage", s.Index, "error", err)
			continue
		}
		r.Logger.Debug("stage log saved", "rank", rank, "stage", s.Index, "path", path)
	}
}

// RunPipeline executes a pipeline definition. Exit statuses are left in the
// result; apply def.ExitPolicy to decide success.
func (r *Runner) RunPipeline(ctx context.Context, def *Pipeline) (*pipeline.Result, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	timeout, _ := def.TimeoutDuration()
	if timeout == 0 {
		timeout = r.Timeout
	}
	r.Logger.Info("running pipeline", "name", def.Name, "stages", len(def.Stages))
	return r.Executor.Run(ctx, def.Commands(), def.InputBytes(), timeout)
}
