// Package scenario sequences the daemon, browser, input and protocol pieces
// into scripted end-to-end scenarios and reports how each one ended.
package scenario

import (
	"context"
	"time"

	"github.com/lotab/harness/internal/bridge"
	"github.com/lotab/harness/internal/manifest"
	"github.com/lotab/harness/internal/supervisor"
)

// Needs declares which resources a scenario uses. The orchestrator only
// provisions what is asked for.
type Needs struct {
	// Daemon starts the daemon (and with it the GUI).
	Daemon bool
	// Manifests passes per-run manifest paths to the daemon.
	Manifests bool
	// Browser launches Chromium with the extension and attaches to it.
	Browser bool
	// Input means the scenario injects OS-level input.
	Input bool
	// Channel listens on the daemon's channel address in the daemon's place.
	Channel bool
}

// Exclusive reports whether the scenario must hold the process-wide input
// lease. Daemon and channel scenarios also need it since they bind the same
// port and process names.
func (n Needs) Exclusive() bool {
	return n.Daemon || n.Input || n.Channel
}

// Scenario is one scripted interaction with assertions.
type Scenario struct {
	Name        string
	Description string
	Needs       Needs
	// Timeout bounds Steps. Zero uses the orchestrator default.
	Timeout time.Duration

	// Steps drives the scenario. Returning an error fails it.
	Steps func(r *Run) error
	// Verify runs during teardown after the manifests are loaded. Optional.
	Verify func(r *Run, manifests manifest.Pair) error
}

// DaemonHandle is the running daemon as scenarios see it.
type DaemonHandle interface {
	Exited() bool
	OutputTail(n int) string
}

// Processes starts, stops and inspects the daemon and its GUI.
type Processes interface {
	Start(ctx context.Context, args []string) (DaemonHandle, error)
	// Stop never fails; a nil handle only sweeps.
	Stop(ctx context.Context, h DaemonHandle) supervisor.StopResult
	// GUI lists GUI processes other than the daemon itself.
	GUI(ctx context.Context, h DaemonHandle) ([]supervisor.Process, error)
	// Remaining lists daemon or GUI processes still alive.
	Remaining(ctx context.Context) ([]supervisor.Process, error)
	// DaemonName is the daemon's process name, which owns the status menu.
	DaemonName() string
}

// Browser is an automated browser with the extension loaded.
type Browser interface {
	OpenTab(ctx context.Context, url, title string) error
	AttachExtension(ctx context.Context, opts bridge.AttachOptions) (*bridge.Extension, error)
	Close() error
}

// BrowserLauncher starts a fresh browser session.
type BrowserLauncher func(ctx context.Context) (Browser, error)

// SupervisedDaemon adapts a Supervisor for one daemon binary.
type SupervisedDaemon struct {
	sup     *supervisor.Supervisor
	bin     string
	appName string
}

// NewSupervisedDaemon binds sup to the daemon at bin.
func NewSupervisedDaemon(sup *supervisor.Supervisor, bin, appName string) *SupervisedDaemon {
	return &SupervisedDaemon{sup: sup, bin: bin, appName: appName}
}

func (d *SupervisedDaemon) Start(ctx context.Context, args []string) (DaemonHandle, error) {
	h, err := d.sup.Start(ctx, d.bin, args)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (d *SupervisedDaemon) Stop(ctx context.Context, h DaemonHandle) supervisor.StopResult {
	sh, _ := h.(*supervisor.Handle)
	return d.sup.Stop(ctx, sh)
}

func (d *SupervisedDaemon) GUI(ctx context.Context, h DaemonHandle) ([]supervisor.Process, error) {
	procs, err := d.sup.Table().Find(supervisor.MatchName(d.appName))
	if err != nil {
		return nil, err
	}
	sh, _ := h.(*supervisor.Handle)
	out := procs[:0]
	for _, p := range procs {
		if sh != nil && p.PID == sh.PID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (d *SupervisedDaemon) Remaining(ctx context.Context) ([]supervisor.Process, error) {
	return d.sup.Remaining(ctx, d.bin)
}

func (d *SupervisedDaemon) DaemonName() string {
	return supervisor.ProcessName(d.bin)
}
