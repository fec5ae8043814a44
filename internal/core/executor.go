package core

import (
	"context"
	"io"
	"log/slog"
	"time"

	"morpheus/internal/pipeline"
)

// Executor runs one chain of stages as a process pipeline
type Executor struct {
	Logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{Logger: logger}
}

// Run builds and runs stages with input fed to the first one. A zero
// timeout means no limit beyond ctx.
func (e *Executor) Run(ctx context.Context, stages []pipeline.Stage, input []byte, timeout time.Duration) (*pipeline.Result, error) {
	p, err := pipeline.Build(stages, input,
		pipeline.WithTimeout(timeout),
		pipeline.WithLogger(e.Logger),
	)
	if err != nil {
		return nil, err
	}
	e.Logger.Debug("executing pipeline", "stages", p.Len(), "timeout", timeout)
	return p.Run(ctx)
}
