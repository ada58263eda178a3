package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lotab/harness/internal/keepawake"
	"github.com/lotab/harness/internal/scenario"
)

var (
	// runSuite executes the selected scenarios.
	runSuite = func(ctx context.Context, s *scenario.Suite, scenarios []scenario.Scenario) *scenario.SuiteResult {
		return s.RunAll(ctx, scenarios)
	}

	// newKeepAwake returns the platform's sleep assertion guard.
	newKeepAwake = func() *keepawake.Guard {
		return keepawake.NewGuard(keepawake.NewDefaultAdapter())
	}
)

// suiteJSON is the --json output of `lotab-harness run`.
type suiteJSON struct {
	SuiteID    string             `json:"suite_id"`
	Passed     int                `json:"passed"`
	Failed     int                `json:"failed"`
	SaveErrors int                `json:"save_errors"`
	KeepAwake  bool               `json:"keep_awake"`
	DurationMs int64              `json:"duration_ms"`
	Reports    []*scenario.Report `json:"reports"`
}

// runScenarios implements `lotab-harness run`.
func runScenarios(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var hf harnessFlags
	hf.register(fs)
	var names string
	var parallel int
	var jsonMode bool
	var noHistory bool
	var timeoutMs int
	fs.StringVar(&names, "scenario", "", "Comma-separated scenario names (default: the whole catalog)")
	fs.IntVar(&parallel, "parallel", 1, "Scenarios run concurrently; exclusive scenarios still run one at a time")
	fs.BoolVar(&jsonMode, "json", false, "Emit the reports as JSON to stdout")
	fs.BoolVar(&noHistory, "no-history", false, "Do not record the runs in the history database")
	fs.IntVar(&timeoutMs, "timeout-ms", 0, "Overall limit per scenario (default: 120000)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness run [options]\n\nRun catalog scenarios against the daemon, extension and overlay.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "Error: unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return 1
	}
	if parallel < 1 {
		fmt.Fprintf(stderr, "Error: --parallel must be at least 1 (got %d)\n", parallel)
		return 1
	}
	if timeoutMs < 0 {
		fmt.Fprintf(stderr, "Error: --timeout-ms must not be negative (got %d)\n", timeoutMs)
		return 1
	}

	var selected []string
	if names != "" {
		selected = strings.Split(names, ",")
	}
	scenarios, err := scenario.Select(selected)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
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

	opts, err := orchestratorOptions(cfg, scenarios)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if timeoutMs > 0 {
		opts.Timing.ScenarioTimeout = time.Duration(timeoutMs) * time.Millisecond
	}

	suite := &scenario.Suite{
		Orchestrator: scenario.New(opts),
		Parallel:     parallel,
	}
	if !cfg.AllowSleep {
		suite.KeepAwake = newKeepAwake()
	}
	if !noHistory {
		store, err := openHistory(cfg.HistoryDB, cfg.HistoryLimit)
		if err != nil {
			// A run without history is still worth doing.
			fmt.Fprintf(stderr, "Warning: run history disabled: %v\n", err)
		} else {
			defer store.Close()
			suite.Sink = historySink{store: store}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := runSuite(ctx, suite, scenarios)

	if jsonMode {
		out := suiteJSON{
			SuiteID:    res.ID,
			Passed:     res.Passed,
			Failed:     res.Failed,
			SaveErrors: res.SaveErrors,
			KeepAwake:  res.KeepAwakeHeld,
			DurationMs: res.Duration.Milliseconds(),
			Reports:    res.Reports,
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		for _, rep := range res.Reports {
			rep.WriteText(stdout)
		}
		fmt.Fprintf(stdout, "\nSuite %s: %d passed, %d failed (%s)\n",
			res.ID, res.Passed, res.Failed, res.Duration.Round(time.Millisecond))
		if res.SaveErrors > 0 {
			fmt.Fprintf(stdout, "Warning: %d report(s) could not be recorded\n", res.SaveErrors)
		}
		if suite.KeepAwake != nil && !res.KeepAwakeHeld {
			fmt.Fprintln(stdout, "Warning: no sleep assertion covered the suite; timeouts may be dropped input")
		}
	}

	if !res.OK() {
		return 1
	}
	return 0
}
