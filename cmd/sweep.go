package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/lotab/harness/internal/config"
	"github.com/lotab/harness/internal/supervisor"
)

// sweeper finds and terminates leftover daemon and GUI processes.
type sweeper interface {
	Sweep(ctx context.Context, binaryPath string) ([]int, error)
	Remaining(ctx context.Context, binaryPath string) ([]supervisor.Process, error)
}

var newSweeper = func(cfg *config.Config) sweeper {
	return newSupervisor(cfg)
}

// runSweep implements `lotab-harness sweep`.
func runSweep(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var hf harnessFlags
	hf.register(fs)
	dryRun := fs.Bool("dry-run", false, "List matching processes without signalling them")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness sweep [options]\n\nTerminate stale daemon and GUI processes left by earlier runs.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}

	cfg, err := hf.load(fs)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	restoreLog, err := setupLogging(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer restoreLog()

	// Only the process name matters here, so an unbuilt daemon still
	// sweeps by its usual name.
	bin, err := resolveDaemonBinary(cfg.DaemonBin)
	if err != nil {
		bin = config.DaemonBinCandidates[0]
		logf("debug", "harness: %v; sweeping by name %s", err, supervisor.ProcessName(bin))
	}

	sw := newSweeper(cfg)
	ctx := context.Background()

	if *dryRun {
		procs, err := sw.Remaining(ctx, bin)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if len(procs) == 0 {
			fmt.Fprintln(stdout, "No matching processes.")
			return 0
		}
		for _, p := range procs {
			fmt.Fprintf(stdout, "%d\t%s\n", p.PID, p.Name)
		}
		return 0
	}

	pids, err := sw.Sweep(ctx, bin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(pids) == 0 {
		fmt.Fprintln(stdout, "No matching processes.")
		return 0
	}
	fmt.Fprintf(stdout, "Terminated %d process(es): %v\n", len(pids), pids)
	return 0
}
