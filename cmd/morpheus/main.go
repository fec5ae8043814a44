// Command morpheus generates one program variant per MPI rank.
//
// It compiles SOURCE to LLVM IR, pipes the IR through the optimizer running
// the rank-pruning plugin once per rank, and writes each result to the
// output location:
//
//	morpheus -np 4 -o out/ -I include/ examples/all-send-one/aso-v2.cpp
//
// LLVM_ROOT_PATH must point at the toolchain checkout and LD_LIBRARY_PATH
// must contain the plugin. Both are checked before anything is run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"morpheus/internal/config"
	"morpheus/internal/core"
	"morpheus/internal/ledger"
	"morpheus/internal/security"
	"morpheus/internal/storage"
	"morpheus/internal/toolchain"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// includeDirs collects repeated -I flags
type includeDirs []string

func (d *includeDirs) String() string {
	return strings.Join(*d, ",")
}

func (d *includeDirs) Set(value string) error {
	*d = append(*d, value)
	return nil
}

type options struct {
	configPath string
	ranks      int
	output     string
	includes   includeDirs
	named      bool
	cleanup    bool
	policy     string
	timeout    time.Duration
	ledgerPath string
	verbose    bool
	source     string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		pterm.Error.Println(err.Error())
		return exitUsage
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		pterm.Error.Println(err.Error())
		return exitUsage
	}
	level, _ := cfg.Level()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	tc, err := toolchain.New(cfg.Toolchain)
	if err != nil {
		pterm.Error.Println(err.Error())
		return exitUsage
	}
	logger.Debug("toolchain resolved", "compiler", tc.Compiler(), "optimizer", tc.Optimizer(), "plugin", tc.Plugin())

	runner, err := newRunner(cfg, opts, tc, logger)
	if err != nil {
		pterm.Error.Println(err.Error())
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := runner.RunJob(ctx, core.Job{
		Source:   opts.source,
		Ranks:    opts.ranks,
		Includes: opts.includes,
	})
	if report != nil {
		for _, out := range report.Outputs {
			pterm.Success.Printfln("rank %d -> %s", out.Rank, out.Path)
		}
	}
	if err != nil {
		pterm.Error.Println(err.Error())
		return exitFailure
	}
	pterm.Info.Printfln("generated %d variant(s) of %s", len(report.Outputs), filepath.Base(opts.source))
	return 0
}

func parseArgs(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("morpheus", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file")
	fs.IntVar(&opts.ranks, "np", 1, "number of processes")
	fs.StringVar(&opts.output, "o", "", "output directory, or output file for a single plain rank")
	fs.Var(&opts.includes, "I", "add directory to the include search path (repeatable)")
	fs.BoolVar(&opts.named, "named", false, "the transform prints the output file name on its first line")
	fs.BoolVar(&opts.cleanup, "cleanup", false, "run mem2reg/constprop/simplifycfg after the transform")
	fs.StringVar(&opts.policy, "policy", "", "which stage failures fail a rank: any (default), final or ignore")
	fs.DurationVar(&opts.timeout, "timeout", 0, "time limit per rank (0 means none)")
	fs.StringVar(&opts.ledgerPath, "ledger", "", "append generated outputs to this ledger file")
	fs.BoolVar(&opts.verbose, "v", false, "verbose logging")

	// flags may follow the source file, as in "morpheus aso.cpp -np 4"
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}

	if len(positional) != 1 {
		return nil, fmt.Errorf("usage: morpheus [flags] SOURCE (got %d source arguments)", len(positional))
	}
	opts.source = positional[0]
	if opts.ranks < 1 {
		return nil, fmt.Errorf("-np must be positive, got %d", opts.ranks)
	}
	return opts, nil
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates the result.
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	if opts.named {
		cfg.Output.Named = true
	}
	if opts.cleanup {
		cfg.Toolchain.Cleanup = true
	}
	if opts.policy != "" {
		cfg.ExitPolicy = opts.policy
	}
	if opts.timeout > 0 {
		cfg.Timeout = opts.timeout
	}
	if opts.ledgerPath != "" {
		cfg.Ledger.Path = opts.ledgerPath
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRunner(cfg *config.Config, opts *options, tc *toolchain.Toolchain, logger *slog.Logger) (*core.Runner, error) {
	outputs, err := storage.NewOutputStorage(opts.output, opts.ranks, cfg.Output.Named)
	if err != nil {
		return nil, err
	}
	logDir := cfg.Output.LogDir
	if logDir == "" {
		logDir = filepath.Join(outputs.Dir, "logs")
	}
	policy, _ := cfg.Policy()

	runner := core.NewRunner(logger)
	runner.Toolchain = tc
	runner.Outputs = outputs
	runner.Logs = storage.NewLogStorage(logDir)
	runner.Policy = policy
	runner.Timeout = cfg.Timeout
	runner.Named = cfg.Output.Named

	if cfg.Ledger.Path != "" {
		l, err := ledger.OpenLedger(cfg.Ledger.Path)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		runner.Ledger = l
		if cfg.Ledger.SigningKey != "" {
			key, err := security.LoadPrivateKey(cfg.Ledger.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("load signing key: %w", err)
			}
			runner.SigningKey = key
		}
	}
	return runner, nil
}
