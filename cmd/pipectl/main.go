package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"morpheus/internal/agent"
	"morpheus/internal/core"
	"morpheus/internal/pipeline"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  pipectl run <pipeline.yaml>")
	fmt.Fprintln(os.Stderr, "  pipectl submit <pipeline.yaml> [agent-url]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 3 {
		usage()
	}

	def, err := core.LoadPipeline(os.Args[2])
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ Failed to load pipeline:", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "run":
		os.Exit(runLocal(ctx, def))
	case "submit":
		url := "http://localhost:9090"
		if len(os.Args) > 3 {
			url = os.Args[3]
		}
		os.Exit(submit(ctx, def, url))
	default:
		usage()
	}
}

// runLocal runs def on this host, copying the final stdout to ours and
// every stage's stderr to ours, in stage order.
func runLocal(ctx context.Context, def *core.Pipeline) int {
	res, err := core.NewRunner(nil).RunPipeline(ctx, def)
	if res != nil {
		os.Stdout.Write(res.Stdout)
		for _, st := range res.Stages {
			os.Stderr.Write(st.Stderr)
		}
	}
	if err != nil {
		var launch *pipeline.LaunchError
		if errors.As(err, &launch) {
			fmt.Fprintf(os.Stderr, "❌ Stage %d could not start: %v\n", launch.Stage, launch.Err)
		} else {
			fmt.Fprintln(os.Stderr, "❌ Pipeline failed:", err)
		}
		return 1
	}
	policy, _ := def.ExitPolicy()
	if err := res.Check(policy); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		return 1
	}
	return 0
}

func submit(ctx context.Context, def *core.Pipeline, url string) int {
	resp, err := agent.NewClient(url).Run(ctx, def)
	if resp != nil {
		os.Stdout.Write(resp.Stdout)
		for _, st := range resp.Stages {
			os.Stderr.Write(st.Stderr)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "❌ Agent run failed:", err)
		return 1
	}
	if !resp.Success {
		fmt.Fprintln(os.Stderr, "❌", resp.Error)
		return 1
	}
	fmt.Fprintf(os.Stderr, "✅ %s finished on %s (id %s)\n", def.Name, url, resp.ID)
	return 0
}
