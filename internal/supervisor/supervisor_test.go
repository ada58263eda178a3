package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

// writeScript creates an executable shell script standing in for the daemon.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newTestSupervisor(psOutput string, cfg Config) *Supervisor {
	if cfg.AppName == "" {
		cfg.AppName = "LotabTestGUI"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	s := New(cfg)
	s.table.execCommand = mockExecCommand(psOutput, 0)
	return s
}

func waitForOutput(t *testing.T, h *Handle, substr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(h.OutputTail(0), substr) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output %q never contained %q", h.OutputTail(0), substr)
}

func TestManifestArgs(t *testing.T) {
	tests := []struct {
		name        string
		daemon, gui string
		want        []string
	}{
		{"none", "", "", nil},
		{"gui only", "", "/tmp/g.json", []string{GUIManifestFlag, "/tmp/g.json"}},
		{"both", "/tmp/d.json", "/tmp/g.json", []string{DaemonManifestFlag, "/tmp/d.json", GUIManifestFlag, "/tmp/g.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ManifestArgs(tt.daemon, tt.gui)
			if strings.Join(got, " ") != strings.Join(tt.want, " ") {
				t.Errorf("ManifestArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStart_ExitDuringGraceIsStartupFailure(t *testing.T) {
	bin := writeScript(t, "lotab_daemon", `echo "fatal: address already in use"; exit 3`)
	s := newTestSupervisor("", Config{PipeOutput: true, StartupGrace: 300 * time.Millisecond})

	h, err := s.Start(context.Background(), bin, nil)
	if err == nil {
		s.Stop(context.Background(), h)
		t.Fatal("Start() should fail when the daemon exits during the grace period")
	}
	if !apperrors.IsCode(err, apperrors.CodeStartupFailed) {
		t.Errorf("error code = %q, want %q", apperrors.GetCode(err), apperrors.CodeStartupFailed)
	}
	if !strings.Contains(err.Error(), "address already in use") {
		t.Errorf("error should carry the output tail, got %v", err)
	}
}

func TestStart_MissingBinary(t *testing.T) {
	s := newTestSupervisor("", Config{PipeOutput: true})
	_, err := s.Start(context.Background(), filepath.Join(t.TempDir(), "nope"), nil)
	if !apperrors.IsCode(err, apperrors.CodeStartupFailed) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeStartupFailed)
	}
}

func TestStartStop_Graceful(t *testing.T) {
	bin := writeScript(t, "lotab_daemon", `echo "marker=$LOTAB_HARNESS_MARKER args=$*"; exec sleep 30`)
	s := newTestSupervisor("", Config{PipeOutput: true, StartupGrace: 100 * time.Millisecond})

	h, err := s.Start(context.Background(), bin, ManifestArgs("", "/tmp/gui.json"))
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if h.PID <= 0 || h.Marker == "" {
		t.Fatalf("handle missing pid or marker: %+v", h)
	}
	if _, exited := h.ExitStatus(); exited {
		t.Fatal("daemon should be running")
	}
	waitForOutput(t, h, "marker="+h.Marker)
	waitForOutput(t, h, "args="+GUIManifestFlag+" /tmp/gui.json")

	res := s.Stop(context.Background(), h)
	if res.Escalated {
		t.Error("sleep honours SIGTERM; stop should not escalate")
	}
	if res.AlreadyExited {
		t.Error("daemon was running at stop time")
	}
	if !h.Exited() {
		t.Error("handle should report exited after Stop")
	}
}

func TestStop_EscalatesWhenTermIgnored(t *testing.T) {
	bin := writeScript(t, "lotab_daemon", `trap '' TERM; echo ready; while true; do sleep 0.1; done`)
	s := newTestSupervisor("", Config{
		PipeOutput:   true,
		StartupGrace: 50 * time.Millisecond,
		StopTimeout:  200 * time.Millisecond,
	})

	h, err := s.Start(context.Background(), bin, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitForOutput(t, h, "ready")

	start := time.Now()
	res := s.Stop(context.Background(), h)
	if !res.Escalated {
		t.Error("stop should escalate to SIGKILL")
	}
	if !h.Exited() {
		t.Error("daemon should be dead after escalation")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("stop took %v", time.Since(start))
	}
}

func TestStop_AlreadyExited(t *testing.T) {
	bin := writeScript(t, "lotab_daemon", `sleep 0.3; exit 0`)
	s := newTestSupervisor("", Config{PipeOutput: true, StartupGrace: 10 * time.Millisecond})

	h, err := s.Start(context.Background(), bin, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	<-h.Done()

	res := s.Stop(context.Background(), h)
	if !res.AlreadyExited {
		t.Error("Stop should notice the daemon already exited")
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestStart_SweepsStaleInstances(t *testing.T) {
	stale := writeScript(t, "stale", `exec sleep 30`)
	staleCmd := exec.Command(stale)
	if err := staleCmd.Start(); err != nil {
		t.Fatalf("start stale process: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = staleCmd.Wait()
		close(reaped)
	}()

	ps := strconv.Itoa(staleCmd.Process.Pid) + " /old/build/lotab_daemon\n"
	bin := writeScript(t, "lotab_daemon", `exec sleep 30`)
	s := newTestSupervisor(ps, Config{PipeOutput: true, StartupGrace: 50 * time.Millisecond, KillGrace: time.Second})

	h, err := s.Start(context.Background(), bin, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer s.Stop(context.Background(), h)

	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		t.Fatal("stale daemon was not terminated before start")
	}
}

func TestStop_SweepsMarkedChildren(t *testing.T) {
	child := writeScript(t, "gui", `exec sleep 30`)
	childCmd := exec.Command(child)
	if err := childCmd.Start(); err != nil {
		t.Fatalf("start child: %v", err)
	}
	reaped := make(chan struct{})
	go func() {
		_ = childCmd.Wait()
		close(reaped)
	}()

	bin := writeScript(t, "lotab_daemon", `exec sleep 30`)
	s := newTestSupervisor("", Config{PipeOutput: true, StartupGrace: 50 * time.Millisecond})
	s.newMarker = func() string { return "run-42" }

	h, err := s.Start(context.Background(), bin, nil)
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// The GUI shows up in the table only after start, tagged with the marker.
	s.table.execCommand = mockExecCommand(
		strconv.Itoa(childCmd.Process.Pid)+" /somewhere/helper "+MarkerEnv+"=run-42\n", 0)

	res := s.Stop(context.Background(), h)
	if len(res.Swept) != 1 || res.Swept[0] != childCmd.Process.Pid {
		t.Errorf("Swept = %v, want [%d]", res.Swept, childCmd.Process.Pid)
	}
	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		t.Fatal("marked child survived teardown")
	}
}

func TestStart_CapturesThroughPTY(t *testing.T) {
	bin := writeScript(t, "lotab_daemon", `echo "hello from tty"; exec sleep 30`)
	s := newTestSupervisor("", Config{StartupGrace: 100 * time.Millisecond})

	h, err := s.Start(context.Background(), bin, nil)
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer s.Stop(context.Background(), h)
	waitForOutput(t, h, "hello from tty")
}

func TestRemaining(t *testing.T) {
	ps := "900 /x/lotab_daemon\n901 /Applications/LotabTestGUI.app/Contents/MacOS/LotabTestGUI\n902 /bin/zsh\n"
	s := newTestSupervisor(ps, Config{})

	procs, err := s.Remaining(context.Background(), "/build/debug/lotab_daemon")
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if len(procs) != 2 {
		t.Errorf("Remaining() = %+v, want daemon and GUI", procs)
	}
}
