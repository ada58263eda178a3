package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lotab/harness/internal/install"
)

// runInstall drives the installer and launchd.
var runInstall = func(ctx context.Context, opts install.Options) (*install.Result, error) {
	return install.NewChecker().Run(ctx, opts)
}

type installStepJSON struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type installJSON struct {
	ServiceName string            `json:"service_name"`
	Prefix      string            `json:"prefix"`
	Passed      bool              `json:"passed"`
	Error       string            `json:"error,omitempty"`
	Steps       []installStepJSON `json:"steps"`
}

// runInstallCheck implements `lotab-harness install-check`.
func runInstallCheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("install-check", flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := install.Options{}
	var loadWaitMs int
	var jsonMode bool
	fs.StringVar(&opts.ProjectRoot, "project-root", ".", "Directory holding build.sh and scripts/launchctl.sh")
	fs.StringVar(&opts.Prefix, "prefix", "", "Install prefix (default: a temporary directory, removed afterwards)")
	fs.StringVar(&opts.ServiceName, "service-name", "", "launchd label to register (default: a unique test label)")
	fs.IntVar(&loadWaitMs, "load-wait-ms", 1000, "Pause between loading the service and checking launchctl")
	fs.BoolVar(&jsonMode, "json", false, "Emit machine-readable JSON to stdout")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: lotab-harness install-check [options]\n\nInstall into a scratch prefix and verify the launchd service loads and unloads.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, stop := parseFlags(fs, args); stop {
		return code
	}
	if loadWaitMs < 0 {
		fmt.Fprintf(stderr, "Error: --load-wait-ms must not be negative (got %d)\n", loadWaitMs)
		return 1
	}
	if runtime.GOOS != "darwin" {
		fmt.Fprintf(stderr, "Warning: launchd checks need macOS (running on %s)\n", runtime.GOOS)
	}
	opts.LoadWait = time.Duration(loadWaitMs) * time.Millisecond

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runInstall(ctx, opts)
	if res == nil {
		res = &install.Result{}
	}

	if jsonMode {
		out := installJSON{
			ServiceName: res.ServiceName,
			Prefix:      res.Prefix,
			Passed:      err == nil && res.Passed(),
			Steps:       make([]installStepJSON, 0, len(res.Steps)),
		}
		if err != nil {
			out.Error = err.Error()
		}
		for _, s := range res.Steps {
			out.Steps = append(out.Steps, installStepJSON{Name: s.Name, Passed: s.Passed, Detail: s.Detail})
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(out); encErr != nil {
			fmt.Fprintf(stderr, "Error: failed to encode JSON: %v\n", encErr)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "Service %s, prefix %s\n", res.ServiceName, res.Prefix)
		for _, s := range res.Steps {
			fmt.Fprintf(stdout, "  %s %s: %s\n", passIcon(s.Passed), s.Name, s.Detail)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
		}
	}

	if err != nil || !res.Passed() {
		return 1
	}
	return 0
}

func passIcon(ok bool) string {
	if ok {
		return statusIcon(statusPass)
	}
	return statusIcon(statusFail)
}
