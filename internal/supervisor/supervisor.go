// Package supervisor owns the daemon's lifecycle: clean-slate sweep, launch
// with a run marker, liveness confirmation, graceful stop with escalation,
// and the post-stop sweep of the GUI the daemon spawned.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Manifest path flags understood by the daemon.
const (
	DaemonManifestFlag = "--daemon-manifest-path"
	GUIManifestFlag    = "--gui-manifest-path"
)

// Config controls supervisor timing and output capture.
type Config struct {
	// AppName is the GUI process name swept before start and after stop.
	AppName string

	StartupGrace time.Duration
	StopTimeout  time.Duration
	// SettleDelay runs after the daemon is dead and before the GUI sweep so
	// the GUI can flush its manifest.
	SettleDelay time.Duration
	// SweepPause runs after the clean-slate sweep, before launch.
	SweepPause time.Duration
	// KillGrace is how long swept processes get between SIGTERM and SIGKILL.
	KillGrace time.Duration

	// PipeOutput uses plain pipes instead of a pseudo-terminal.
	PipeOutput bool
	// OutputLines bounds the captured output.
	OutputLines int
	// OnOutput, if set, sees each captured line.
	OnOutput func(line string)
}

// StopResult describes how a daemon went down. Stop never fails: timeouts
// escalate to SIGKILL and are reported here instead.
type StopResult struct {
	AlreadyExited bool   `json:"already_exited"`
	Escalated     bool   `json:"escalated"`
	ExitCode      int    `json:"exit_code"`
	Status        string `json:"status"`
	// Swept are PIDs terminated by the post-stop sweep.
	Swept []int `json:"swept,omitempty"`
}

// Supervisor starts and stops the daemon.
type Supervisor struct {
	cfg   Config
	table *ProcessTable

	newMarker func() string
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Supervisor backed by the real process table.
func New(cfg Config) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		table:     NewProcessTable(),
		newMarker: func() string { return uuid.New().String() },
		sleep:     sleepCtx,
	}
}

// Table exposes the process table for diagnostics.
func (s *Supervisor) Table() *ProcessTable {
	return s.table
}

// ManifestArgs builds the daemon flags for the given manifest paths.
// An empty path omits its flag, which means that role writes no manifest.
func ManifestArgs(daemonPath, guiPath string) []string {
	var args []string
	if daemonPath != "" {
		args = append(args, DaemonManifestFlag, daemonPath)
	}
	if guiPath != "" {
		args = append(args, GUIManifestFlag, guiPath)
	}
	return args
}

// Sweep terminates every process named after the daemon binary or the GUI.
func (s *Supervisor) Sweep(ctx context.Context, binaryPath string) ([]int, error) {
	return s.table.TerminateMatching(ctx, MatchName(s.names(binaryPath)...), s.cfg.KillGrace)
}

// Remaining lists name-matched processes still alive.
func (s *Supervisor) Remaining(ctx context.Context, binaryPath string) ([]Process, error) {
	return s.table.Find(MatchName(s.names(binaryPath)...))
}

func (s *Supervisor) names(binaryPath string) []string {
	return []string{ProcessName(binaryPath), s.cfg.AppName}
}

// ProcessName is the name a binary shows up under in the process table.
func ProcessName(binaryPath string) string {
	return filepath.Base(binaryPath)
}

// Start launches the daemon after a clean-slate sweep and confirms it is
// still running after the startup grace. A daemon that exits during the
// grace is a StartupFailure; there is no retry.
func (s *Supervisor) Start(ctx context.Context, binaryPath string, args []string) (*Handle, error) {
	swept, err := s.Sweep(ctx, binaryPath)
	if err != nil {
		return nil, err
	}
	if len(swept) > 0 {
		log.Printf("supervisor: cleared %d stale process(es) before start", len(swept))
	}
	if err := s.sleep(ctx, s.cfg.SweepPause); err != nil {
		return nil, err
	}

	h, err := s.launch(binaryPath, args)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStartupFailed,
			fmt.Sprintf("failed to launch %s", binaryPath), err)
	}
	log.Printf("supervisor: started %s pid=%d marker=%s", ProcessName(binaryPath), h.PID, h.Marker)

	if err := s.sleep(ctx, s.cfg.StartupGrace); err != nil {
		s.Stop(context.Background(), h)
		return nil, err
	}
	if h.Exited() {
		status := h.StatusString()
		s.Stop(context.Background(), h)
		return nil, apperrors.StartupFailure(ProcessName(binaryPath), status, h.OutputTail(20))
	}
	return h, nil
}

func (s *Supervisor) launch(binaryPath string, args []string) (*Handle, error) {
	h := newHandle(binaryPath, args, s.newMarker(), s.cfg.OutputLines)

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(), MarkerEnv+"="+h.Marker)
	h.cmd = cmd

	if s.cfg.PipeOutput {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		if err := cmd.Start(); err != nil {
			r.Close()
			w.Close()
			return nil, err
		}
		// The child holds its own copy of the write end.
		w.Close()
		h.reader = r
	} else {
		// A terminal keeps the daemon's stdout line-buffered.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return nil, err
		}
		h.reader = ptmx
	}

	h.PID = cmd.Process.Pid
	go h.capture(h.reader, s.cfg.OnOutput)
	go h.wait()
	return h, nil
}

// Stop terminates the daemon (SIGTERM, then SIGKILL after StopTimeout),
// waits SettleDelay, then sweeps every process carrying the run marker or
// the GUI name. A nil handle only runs the sweep.
func (s *Supervisor) Stop(ctx context.Context, h *Handle) StopResult {
	var res StopResult
	var marker string

	if h != nil {
		marker = h.Marker
		if h.Exited() {
			res.AlreadyExited = true
		} else {
			res.Escalated = s.terminate(ctx, h)
		}
		res.ExitCode, _ = h.ExitStatus()
		res.Status = h.StatusString()
		log.Printf("supervisor: daemon pid=%d stopped (%s, escalated=%v)", h.PID, res.Status, res.Escalated)
	}

	if err := s.sleep(ctx, s.cfg.SettleDelay); err != nil {
		log.Printf("supervisor: settle delay cut short: %v", err)
	}

	swept, err := s.table.TerminateMatching(context.Background(),
		MatchAny(MatchMarker(marker), MatchName(s.cfg.AppName)), s.cfg.KillGrace)
	if err != nil {
		log.Printf("supervisor: GUI sweep failed: %v", err)
	}
	res.Swept = swept

	if h != nil {
		h.closeOutput()
	}
	return res
}

// terminate reports whether SIGKILL was needed.
func (s *Supervisor) terminate(ctx context.Context, h *Handle) bool {
	if err := unix.Kill(h.PID, unix.SIGTERM); err != nil {
		log.Printf("supervisor: SIGTERM pid %d: %v", h.PID, err)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
		return false
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Printf("supervisor: pid %d still alive after %v, sending SIGKILL", h.PID, s.cfg.StopTimeout)
	if err := unix.Kill(h.PID, unix.SIGKILL); err != nil {
		log.Printf("supervisor: SIGKILL pid %d: %v", h.PID, err)
	}
	select {
	case <-h.Done():
	case <-time.After(time.Second):
		log.Printf("supervisor: pid %d not reaped after SIGKILL", h.PID)
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
