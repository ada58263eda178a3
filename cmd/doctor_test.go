package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runDoctorWithArgs is a test helper that invokes runDoctor and captures output.
func runDoctorWithArgs(args []string) (exitCode int, stdout, stderr string) {
	var outBuf, errBuf bytes.Buffer
	code := runDoctor(args, &outBuf, &errBuf)
	return code, outBuf.String(), errBuf.String()
}

// stubOpts configures the behavior of stubbed seams for doctor tests.
type stubOpts struct {
	daemonErr    error
	noBrowser    bool
	inputErr     error
	portErr      error
	keepAwakeErr error
	historyErr   error
}

// stubDoctor overrides all function-variable seams with deterministic stubs
// and restores them when the test ends.
func stubDoctor(t *testing.T, opts stubOpts) {
	t.Helper()

	origDaemon := doctorResolveDaemon
	origBrowser := doctorLookBrowser
	origInput := doctorInputSupport
	origPort := doctorProbePort
	origKeepAwake := doctorProbeKeepAwake
	origHistory := doctorProbeHistory

	t.Cleanup(func() {
		doctorResolveDaemon = origDaemon
		doctorLookBrowser = origBrowser
		doctorInputSupport = origInput
		doctorProbePort = origPort
		doctorProbeKeepAwake = origKeepAwake
		doctorProbeHistory = origHistory
	})

	doctorResolveDaemon = func(explicit string) (string, error) {
		if opts.daemonErr != nil {
			return "", opts.daemonErr
		}
		return "./build/debug/lotab_daemon", nil
	}
	doctorLookBrowser = func() (string, bool) {
		if opts.noBrowser {
			return "", false
		}
		return "/usr/bin/chromium", true
	}
	doctorInputSupport = func() error { return opts.inputErr }
	doctorProbePort = func(addr string) error { return opts.portErr }
	doctorProbeKeepAwake = func() error { return opts.keepAwakeErr }
	doctorProbeHistory = func(path string, limit int) error { return opts.historyErr }
}

// extensionDir returns an unpacked extension directory.
func extensionDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{"manifest_version":3}`), 0600); err != nil {
		t.Fatal(err)
	}
	return dir
}

func baseDoctorArgs(t *testing.T) []string {
	return []string{"--config", emptyConfig(t), "--extension", extensionDir(t)}
}

func decodeDoctor(t *testing.T, stdout string) DoctorResult {
	t.Helper()
	var result DoctorResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\nraw: %s", err, stdout)
	}
	return result
}

func checkByID(t *testing.T, result DoctorResult, id string) DoctorCheck {
	t.Helper()
	for _, c := range result.Checks {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", id, result.Checks)
	return DoctorCheck{}
}

func TestRunDoctor_Help(t *testing.T) {
	code, _, stderr := runDoctorWithArgs([]string{"--help"})
	if code != 0 {
		t.Fatalf("expected exit code 0 for --help, got %d", code)
	}
	if !strings.Contains(stderr, "-json") {
		t.Fatalf("expected -json flag in usage, got %q", stderr)
	}
}

func TestRunDoctorJSON_AllPass(t *testing.T) {
	stubDoctor(t, stubOpts{})

	code, stdout, _ := runDoctorWithArgs(append(baseDoctorArgs(t), "--json"))
	if code != 0 {
		t.Fatalf("expected exit code 0 for all-pass, got %d\n%s", code, stdout)
	}

	result := decodeDoctor(t, stdout)
	if result.Version != "1" {
		t.Errorf("version = %q, want 1", result.Version)
	}
	wantIDs := []string{
		checkIDDaemonBinary, checkIDExtension, checkIDBrowser, checkIDInput,
		checkIDChannelPort, checkIDKeepAwake, checkIDHistoryDB,
	}
	if len(result.Checks) != len(wantIDs) {
		t.Fatalf("got %d checks, want %d", len(result.Checks), len(wantIDs))
	}
	for i, id := range wantIDs {
		if result.Checks[i].ID != id {
			t.Errorf("check %d = %s, want %s", i, result.Checks[i].ID, id)
		}
		if result.Checks[i].Status != statusPass {
			t.Errorf("%s = %s (%s)", id, result.Checks[i].Status, result.Checks[i].Message)
		}
		if result.Checks[i].NextAction == "" {
			t.Errorf("%s has no next action", id)
		}
	}
	if result.Summary != (DoctorSummary{Pass: len(wantIDs)}) {
		t.Errorf("summary = %+v", result.Summary)
	}
}

func TestRunDoctor_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		opts       stubOpts
		extraArgs  []string
		id         string
		wantStatus string
		wantCode   int
	}{
		{
			name:       "daemon not built",
			opts:       stubOpts{daemonErr: errors.New("daemon binary not found")},
			id:         checkIDDaemonBinary,
			wantStatus: statusFail,
			wantCode:   1,
		},
		{
			name:       "no installed browser",
			opts:       stubOpts{noBrowser: true},
			id:         checkIDBrowser,
			wantStatus: statusWarn,
		},
		{
			name:       "explicit browser missing",
			extraArgs:  []string{"--browser-bin", "/nonexistent/chrome"},
			id:         checkIDBrowser,
			wantStatus: statusFail,
			wantCode:   1,
		},
		{
			name:       "no input automation",
			opts:       stubOpts{inputErr: errors.New("running on linux")},
			id:         checkIDInput,
			wantStatus: statusFail,
			wantCode:   1,
		},
		{
			name:       "channel port taken",
			opts:       stubOpts{portErr: errors.New("address already in use")},
			id:         checkIDChannelPort,
			wantStatus: statusWarn,
		},
		{
			name:       "sleep allowed",
			extraArgs:  []string{"--allow-sleep"},
			id:         checkIDKeepAwake,
			wantStatus: statusWarn,
		},
		{
			name:       "sleep assertion unavailable",
			opts:       stubOpts{keepAwakeErr: errors.New("unsupported")},
			id:         checkIDKeepAwake,
			wantStatus: statusWarn,
		},
		{
			name:       "history unavailable",
			opts:       stubOpts{historyErr: errors.New("read-only file system")},
			id:         checkIDHistoryDB,
			wantStatus: statusWarn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubDoctor(t, tt.opts)
			args := append(baseDoctorArgs(t), "--json")
			code, stdout, _ := runDoctorWithArgs(append(args, tt.extraArgs...))
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			check := checkByID(t, decodeDoctor(t, stdout), tt.id)
			if check.Status != tt.wantStatus {
				t.Errorf("%s = %s, want %s (%s)", tt.id, check.Status, tt.wantStatus, check.Message)
			}
		})
	}
}

func TestEvalExtension(t *testing.T) {
	withManifest := extensionDir(t)
	bare := t.TempDir()
	file := writeTestFile(t, "ext.zip", "zip")

	tests := []struct {
		dir  string
		want string
	}{
		{withManifest, statusPass},
		{bare, statusFail},
		{file, statusFail},
		{filepath.Join(bare, "missing"), statusFail},
	}
	for _, tt := range tests {
		if got := evalExtension(tt.dir); got.Status != tt.want {
			t.Errorf("evalExtension(%s) = %s, want %s (%s)", tt.dir, got.Status, tt.want, got.Message)
		}
	}
}

func TestRunDoctorHuman(t *testing.T) {
	stubDoctor(t, stubOpts{daemonErr: errors.New("daemon binary not found"), noBrowser: true})

	code, stdout, _ := runDoctorWithArgs(baseDoctorArgs(t))
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	for _, want := range []string{
		"[FAIL] daemon.binary: daemon binary not found",
		"    -> Build the daemon",
		"[WARN] browser.binary",
		"[PASS] input.automation",
		"Summary: 5 passed, 1 warnings, 1 failures",
	} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output missing %q:\n%s", want, stdout)
		}
	}
}
