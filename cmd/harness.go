package main

import (
	"context"
	"fmt"
	"log"

	"github.com/lotab/harness/internal/bridge"
	"github.com/lotab/harness/internal/config"
	"github.com/lotab/harness/internal/input"
	"github.com/lotab/harness/internal/scenario"
	"github.com/lotab/harness/internal/storage"
	"github.com/lotab/harness/internal/supervisor"
)

// Seams for tests. The defaults reach real processes, browsers and
// automation.
var (
	// newInjector returns the platform's synthetic input adapter.
	newInjector = input.NewDefaultInjector

	// launchBrowser starts Chromium with the extension loaded.
	launchBrowser = defaultLaunchBrowser

	// resolveDaemonBinary finds the daemon executable.
	resolveDaemonBinary = func(explicit string) (string, error) {
		return config.ResolveDaemonBinary(explicit, nil, nil)
	}

	// openHistory opens the run history database.
	openHistory = func(path string, limit int) (historyStore, error) {
		return storage.NewSQLiteStore(path, limit)
	}
)

// historyStore is the part of the history database the CLI uses.
type historyStore interface {
	SaveRun(run *storage.Run) error
	GetRun(id string) (*storage.Run, error)
	ListRuns(limit int) ([]*storage.Run, error)
	FailureCounts() (map[string]int, error)
	Close() error
}

func defaultLaunchBrowser(ctx context.Context, opts bridge.LaunchOptions) (scenario.Browser, error) {
	s, err := bridge.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func timingFrom(cfg *config.Config) scenario.Timing {
	t := scenario.DefaultTiming()
	t.ConvergeTimeout = config.Ms(cfg.ConvergeTimeoutMs)
	t.PollInterval = config.Ms(cfg.PollIntervalMs)
	t.ConnectTimeout = config.Ms(cfg.ConnectTimeoutMs)
	t.ResponseTimeout = config.Ms(cfg.ResponseTimeoutMs)
	return t
}

func newSupervisor(cfg *config.Config) *supervisor.Supervisor {
	return supervisor.New(supervisor.Config{
		AppName:      cfg.AppName,
		StartupGrace: config.Ms(cfg.StartupGraceMs),
		StopTimeout:  config.Ms(cfg.StopTimeoutMs),
		SettleDelay:  config.Ms(cfg.SettleMs),
		SweepPause:   config.Ms(cfg.SweepPauseMs),
		PipeOutput:   cfg.PipeOutput,
		OnOutput: func(line string) {
			logf("debug", "daemon: %s", line)
		},
	})
}

// orchestratorOptions wires the pieces the given scenarios need. The daemon
// binary is only resolved when some scenario launches it.
func orchestratorOptions(cfg *config.Config, scenarios []scenario.Scenario) (scenario.Options, error) {
	opts := scenario.Options{
		ChannelAddr: cfg.ChannelAddr,
		Attach: bridge.AttachOptions{
			Attempts: cfg.AttachAttempts,
			Interval: config.Ms(cfg.AttachIntervalMs),
		},
		Timing: timingFrom(cfg),
	}

	var needs scenario.Needs
	for _, sc := range scenarios {
		needs.Daemon = needs.Daemon || sc.Needs.Daemon
		needs.Browser = needs.Browser || sc.Needs.Browser
		needs.Input = needs.Input || sc.Needs.Input
	}

	if needs.Daemon {
		bin, err := resolveDaemonBinary(cfg.DaemonBin)
		if err != nil {
			return opts, err
		}
		log.Printf("harness: daemon binary %s", bin)
		opts.Processes = scenario.NewSupervisedDaemon(newSupervisor(cfg), bin, cfg.AppName)
	}
	if needs.Input {
		opts.Input = input.NewDispatcher(newInjector(), config.Ms(cfg.KeystrokeDelayMs))
	}
	if needs.Browser {
		launch := bridge.LaunchOptions{
			BrowserBin:    cfg.BrowserBin,
			ExtensionPath: cfg.ExtensionPath,
			Headless:      cfg.Headless,
		}
		opts.Browser = func(ctx context.Context) (scenario.Browser, error) {
			return launchBrowser(ctx, launch)
		}
	}
	return opts, nil
}

// historySink adapts the history database to the suite's report sink and
// logs what it stored.
type historySink struct {
	store historyStore
}

func (s historySink) SaveRun(run *storage.Run) error {
	if err := s.store.SaveRun(run); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	logf("debug", "harness: stored run %s", run.ID)
	return nil
}
