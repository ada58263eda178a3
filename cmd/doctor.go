// This file implements the `lotab-harness doctor` preflight command.
//
// The doctor command checks that this machine can run the scenarios and
// reports a remediation step for every problem. It supports both
// human-readable (default) and machine-readable (--json) output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/lotab/harness/internal/keepawake"
)

// DoctorResult is the top-level JSON output for `lotab-harness doctor --json`.
type DoctorResult struct {
	// Version is the doctor output schema version. Always "1".
	Version string `json:"version"`

	// Checks is the ordered list of diagnostic checks that were evaluated.
	Checks []DoctorCheck `json:"checks"`

	// Summary contains aggregate pass/warn/fail counts derived from Checks.
	Summary DoctorSummary `json:"summary"`
}

// DoctorCheck is one diagnostic check in the doctor output.
type DoctorCheck struct {
	// ID is a stable, machine-readable identifier for the check (e.g., "daemon.binary").
	ID string `json:"id"`

	// Status is the check result: "pass", "warn", or "fail".
	Status string `json:"status"`

	// Message is a human-readable summary of what was found.
	Message string `json:"message"`

	// NextAction is a concrete remediation step the operator should take.
	NextAction string `json:"next_action"`
}

// DoctorSummary holds aggregate counts of check outcomes.
type DoctorSummary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Stable check IDs used by the doctor command.
const (
	checkIDDaemonBinary = "daemon.binary"
	checkIDExtension    = "extension.path"
	checkIDBrowser      = "browser.binary"
	checkIDInput        = "input.automation"
	checkIDChannelPort  = "channel.port"
	checkIDKeepAwake    = "keepawake.assertion"
	checkIDHistoryDB    = "history.database"
)

// extensionManifestName marks a directory as an unpacked extension.
const extensionManifestName = "manifest.json"

// Stable status values for doctor checks.
const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"
)

// Function-variable seams for testability.
// Tests override these to avoid touching processes, ports and the browser.
var (
	// doctorResolveDaemon finds the daemon executable.
	doctorResolveDaemon = func(explicit string) (string, error) {
		return resolveDaemonBinary(explicit)
	}

	// doctorLookBrowser returns the Chromium the launcher would use.
	doctorLookBrowser = launcher.LookPath

	// doctorInputSupport reports why synthetic input cannot work here, if it can't.
	doctorInputSupport = defaultInputSupport

	// doctorProbePort tries to bind the channel address.
	doctorProbePort = defaultProbePort

	// doctorProbeKeepAwake takes and drops a sleep assertion.
	doctorProbeKeepAwake = defaultProbeKeepAwake

	// doctorProbeHistory opens the history database.
	doctorProbeHistory = defaultProbeHistory
)

func defaultInputSupport() error {
	if runtime.GOOS != "darwin" {
		return fmt.Errorf("synthetic input needs macOS System Events (running on %s)", runtime.GOOS)
	}
	if _, err := exec.LookPath("osascript"); err != nil {
		return fmt.Errorf("osascript not found: %w", err)
	}
	return nil
}

func defaultProbePort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

func defaultProbeKeepAwake() error {
	g := keepawake.NewGuard(keepawake.NewDefaultAdapter())
	ctx := context.Background()
	if err := g.Hold(ctx, keepawake.Request{Owner: "doctor", Limit: 10 * time.Second}); err != nil {
		return err
	}
	return g.Release(ctx)
}

func defaultProbeHistory(path string, limit int) error {
	store, err := openHistory(path, limit)
	if err != nil {
		return err
	}
	return store.Close()
}

// runDoctor implements the `lotab-harness doctor` CLI command.
// Returns 0 when no checks fail, 1 when any check fails or an internal error occurs.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var hf harnessFlags
	hf.register(fs)
	var jsonMode bool
	fs.BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness doctor [options]\n\nCheck that this machine can run the scenarios.\n\nOptions:\n")
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

	// Evaluate checks in deterministic order.
	checks := []DoctorCheck{
		evalDaemonBinary(cfg.DaemonBin),
		evalExtension(cfg.ExtensionPath),
		evalBrowser(cfg.BrowserBin),
		evalInput(),
		evalChannelPort(cfg.ChannelAddr),
		evalKeepAwake(cfg.AllowSleep),
		evalHistory(cfg.HistoryDB, cfg.HistoryLimit),
	}

	summary := DoctorSummary{}
	for _, c := range checks {
		switch c.Status {
		case statusPass:
			summary.Pass++
		case statusWarn:
			summary.Warn++
		case statusFail:
			summary.Fail++
		}
	}

	result := DoctorResult{
		Version: "1",
		Checks:  checks,
		Summary: summary,
	}

	if jsonMode {
		if err := renderDoctorJSON(stdout, result); err != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", err)
			return 1
		}
	} else {
		renderDoctorHuman(stdout, result)
	}

	if summary.Fail > 0 {
		return 1
	}
	return 0
}

func evalDaemonBinary(explicit string) DoctorCheck {
	check := DoctorCheck{ID: checkIDDaemonBinary}

	bin, err := doctorResolveDaemon(explicit)
	if err != nil {
		check.Status = statusFail
		check.Message = err.Error()
		check.NextAction = "Build the daemon (`./build.sh`) or point `--daemon-bin` / DAEMON_BIN at it."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Daemon binary found at %s.", bin)
	check.NextAction = "No action required."
	return check
}

// evalExtension evaluates the extension.path check.
// Decision table:
//   - directory missing or not a directory -> fail
//   - directory without manifest.json -> fail
//   - otherwise -> pass
func evalExtension(dir string) DoctorCheck {
	check := DoctorCheck{ID: checkIDExtension}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Extension directory not found at %s.", dir)
		check.NextAction = "Run from the repository root or pass `--extension <dir>`."
		return check
	}
	if _, err := os.Stat(filepath.Join(dir, extensionManifestName)); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("%s has no %s.", dir, extensionManifestName)
		check.NextAction = "Point `--extension` at the unpacked extension, not its parent."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Unpacked extension at %s.", dir)
	check.NextAction = "No action required."
	return check
}

// evalBrowser evaluates the browser.binary check.
// Decision table:
//   - explicit binary missing -> fail
//   - explicit binary present -> pass
//   - none installed -> warn (the launcher downloads one on first run)
//   - installed browser found -> pass
func evalBrowser(explicit string) DoctorCheck {
	check := DoctorCheck{ID: checkIDBrowser}

	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			check.Status = statusFail
			check.Message = fmt.Sprintf("Browser binary not found at %s.", explicit)
			check.NextAction = "Fix `--browser-bin` or drop it to let the launcher find one."
			return check
		}
		check.Status = statusPass
		check.Message = fmt.Sprintf("Using browser %s.", explicit)
		check.NextAction = "No action required."
		return check
	}

	found, ok := doctorLookBrowser()
	if !ok {
		check.Status = statusWarn
		check.Message = "No installed Chromium found."
		check.NextAction = "Install Chrome or Chromium, or allow the first run to download one."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Using browser %s.", found)
	check.NextAction = "No action required."
	return check
}

func evalInput() DoctorCheck {
	check := DoctorCheck{ID: checkIDInput}

	if err := doctorInputSupport(); err != nil {
		check.Status = statusFail
		check.Message = fmt.Sprintf("Synthetic input unavailable: %v", err)
		check.NextAction = "Run the UI scenarios on macOS; `check-protocol` works anywhere."
		return check
	}

	check.Status = statusPass
	check.Message = "osascript is available."
	check.NextAction = "No action required. The first run may prompt for Accessibility access."
	return check
}

// evalChannelPort evaluates the channel.port check.
// A bound port is only a warning: the daemon owns it during UI scenarios,
// but check-protocol needs it free.
func evalChannelPort(addr string) DoctorCheck {
	check := DoctorCheck{ID: checkIDChannelPort}

	if err := doctorProbePort(addr); err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Cannot bind %s: %v", addr, err)
		check.NextAction = "Stop a running daemon (`lotab-harness sweep`) before `check-protocol`."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("%s is free.", addr)
	check.NextAction = "No action required."
	return check
}

func evalKeepAwake(allowSleep bool) DoctorCheck {
	check := DoctorCheck{ID: checkIDKeepAwake}

	if allowSleep {
		check.Status = statusWarn
		check.Message = "Sleep assertion disabled by allow_sleep."
		check.NextAction = "Keep the display awake yourself; synthetic input is dropped while it sleeps."
		return check
	}
	if err := doctorProbeKeepAwake(); err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Cannot hold a sleep assertion: %v", err)
		check.NextAction = "Keep the display awake during runs, or pass `--allow-sleep` to silence this."
		return check
	}

	check.Status = statusPass
	check.Message = "Sleep assertion can be held during runs."
	check.NextAction = "No action required."
	return check
}

func evalHistory(path string, limit int) DoctorCheck {
	check := DoctorCheck{ID: checkIDHistoryDB}

	if err := doctorProbeHistory(path, limit); err != nil {
		check.Status = statusWarn
		check.Message = fmt.Sprintf("Run history unavailable at %s: %v", path, err)
		check.NextAction = "Fix `--history-db`; runs still work but are not recorded."
		return check
	}

	check.Status = statusPass
	check.Message = fmt.Sprintf("Run history at %s.", path)
	check.NextAction = "No action required."
	return check
}

// renderDoctorJSON writes the doctor result as JSON to stdout.
// Only valid JSON is written to stdout; no extra lines.
func renderDoctorJSON(w io.Writer, result DoctorResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// renderDoctorHuman writes the doctor result in human-readable format.
func renderDoctorHuman(w io.Writer, result DoctorResult) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Lotab Harness Doctor")
	fmt.Fprintln(w, "====================")
	fmt.Fprintln(w, "")

	for _, c := range result.Checks {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(c.Status), c.ID, c.Message)
		if c.Status != statusPass {
			fmt.Fprintf(w, "    -> %s\n", c.NextAction)
		}
	}

	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Summary: %d passed, %d warnings, %d failures\n",
		result.Summary.Pass, result.Summary.Warn, result.Summary.Fail)
	fmt.Fprintln(w, "")
}

// statusIcon returns a text marker for the check status.
func statusIcon(status string) string {
	switch status {
	case statusPass:
		return "[PASS]"
	case statusWarn:
		return "[WARN]"
	case statusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}
