package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lotab/harness/internal/scenario"
)

// runOne executes a single scenario outside a suite.
var runOne = func(ctx context.Context, o *scenario.Orchestrator, sc scenario.Scenario) *scenario.Report {
	return o.Run(ctx, sc)
}

// runCheckProtocol implements `lotab-harness check-protocol`. The harness
// listens where the daemon would and validates the extension's answer to
// AllTabsInfoRequest.
func runCheckProtocol(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("check-protocol", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var hf harnessFlags
	hf.register(fs)
	var jsonMode bool
	var external bool
	fs.BoolVar(&jsonMode, "json", false, "Emit the report as JSON to stdout")
	fs.BoolVar(&external, "external", false, "Do not launch a browser; wait for an already running extension to connect")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness check-protocol [options]\n\nStand in for the daemon and validate the extension's inventory response.\nThe daemon must not be running: the check binds its address.\n\nOptions:\n")
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

	sc, ok := scenario.Lookup("protocol")
	if !ok {
		fmt.Fprintln(stderr, "Error: protocol scenario missing from the catalog")
		return 1
	}
	if external {
		sc.Needs.Browser = false
	}

	opts, err := orchestratorOptions(cfg, []scenario.Scenario{sc})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if external {
		fmt.Fprintf(stderr, "Waiting up to %s for the extension to connect to %s\n", opts.Timing.ConnectTimeout, cfg.ChannelAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep := runOne(ctx, scenario.New(opts), sc)
	if jsonMode {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		rep.WriteText(stdout)
	}
	if !rep.Passed {
		return 1
	}
	return 0
}
