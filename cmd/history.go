package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/lotab/harness/internal/config"
	"github.com/lotab/harness/internal/scenario"
)

// formatDuration formats an age in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

// historyNow is the clock used for run ages.
var historyNow = time.Now

// runHistory implements `lotab-harness history`.
func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.lotab/harness.toml)")
	dbPath := fs.String("history-db", "", "Run history database (default: ~/.lotab/harness.db)")
	limit := fs.Int("limit", 20, "Number of runs to list")
	id := fs.String("id", "", "Show the full report of one run")
	failures := fs.Bool("failures", false, "Count failed runs by error code")
	jsonMode := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness history [options]\n\nShow recorded runs, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if *limit < 1 {
		fmt.Fprintf(stderr, "Error: --limit must be at least 1 (got %d)\n", *limit)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *dbPath != "" {
		cfg.HistoryDB = *dbPath
	}

	store, err := openHistory(cfg.HistoryDB, cfg.HistoryLimit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")

	switch {
	case *id != "":
		run, err := store.GetRun(*id)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		rep := scenario.ReportFromRun(run)
		if *jsonMode {
			if err := enc.Encode(rep); err != nil {
				fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		rep.WriteText(stdout)
		if len(run.Stages) > 0 {
			fmt.Fprintln(stdout, "Stages:")
			for _, s := range run.Stages {
				line := fmt.Sprintf("  %s %s", s.EnteredAt.Format("15:04:05.000"), s.Stage)
				if s.Note != "" {
					line += " (" + s.Note + ")"
				}
				fmt.Fprintln(stdout, line)
			}
		}
		return 0

	case *failures:
		counts, err := store.FailureCounts()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonMode {
			if err := enc.Encode(counts); err != nil {
				fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		if len(counts) == 0 {
			fmt.Fprintln(stdout, "No failed runs recorded.")
			return 0
		}
		codes := make([]string, 0, len(counts))
		for code := range counts {
			codes = append(codes, code)
		}
		sort.Slice(codes, func(i, j int) bool {
			if counts[codes[i]] != counts[codes[j]] {
				return counts[codes[i]] > counts[codes[j]]
			}
			return codes[i] < codes[j]
		})
		w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tFAILURES")
		for _, code := range codes {
			fmt.Fprintf(w, "%s\t%d\n", code, counts[code])
		}
		w.Flush()
		return 0
	}

	runs, err := store.ListRuns(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonMode {
		reports := make([]*scenario.Report, len(runs))
		for i, run := range runs {
			reports[i] = scenario.ReportFromRun(run)
		}
		if err := enc.Encode(reports); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs recorded.")
		return 0
	}

	now := historyNow()
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSCENARIO\tRESULT\tSTAGE\tCODE\tSTARTED\tTOOK")
	for _, run := range runs {
		result := "pass"
		stage, code := "-", "-"
		if !run.Passed {
			result = "FAIL"
			stage, code = run.FailedStage, run.ErrorCode
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Scenario, result, stage, code,
			formatDuration(now.Sub(run.StartedAt)), run.Duration().Round(time.Millisecond))
	}
	w.Flush()
	return 0
}
