//go:build integration
// +build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var (
	binaryPath string
	moduleDir  string
)

func TestMain(m *testing.M) {
	wd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get working dir: %v\n", err)
		os.Exit(1)
	}
	moduleDir = wd

	tmpDir, err := os.MkdirTemp("", "lotab-harness-integration-")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "lotab-harness")
	build := exec.Command("go", "build", "-o", binaryPath, "./cmd")
	build.Dir = moduleDir
	out, err := build.CombinedOutput()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build lotab-harness: %v\n%s", err, out)
		_ = os.RemoveAll(tmpDir)
		os.Exit(1)
	}

	code := m.Run()
	_ = os.RemoveAll(tmpDir)
	os.Exit(code)
}

type harnessProcess struct {
	cmd    *exec.Cmd
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	done   chan error
}

// startCheckProtocol runs `check-protocol --external --json` against addr
// with a short connect timeout.
func startCheckProtocol(t *testing.T, addr string) *harnessProcess {
	t.Helper()

	cfgPath := filepath.Join(t.TempDir(), "harness.toml")
	cfg := "connect_timeout_ms = 5000\nresponse_timeout_ms = 2000\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(binaryPath, "check-protocol", "--external", "--json",
		"--config", cfgPath, "--channel-addr", addr)
	p := &harnessProcess{cmd: cmd, stdout: &bytes.Buffer{}, stderr: &bytes.Buffer{}, done: make(chan error, 1)}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start harness: %v", err)
	}
	go func() { p.done <- cmd.Wait() }()
	// Kill after a normal exit only reports "process already finished".
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return p
}

// wait returns the exit code once the process has finished.
func (p *harnessProcess) wait(t *testing.T, timeout time.Duration) int {
	t.Helper()
	select {
	case err := <-p.done:
		if err == nil {
			return 0
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		t.Fatalf("harness wait: %v", err)
	case <-time.After(timeout):
		_ = p.cmd.Process.Kill()
		t.Fatalf("harness did not exit within %s\nstderr:\n%s", timeout, p.stderr.String())
	}
	return -1
}

func (p *harnessProcess) report(t *testing.T) map[string]any {
	t.Helper()
	var rep map[string]any
	if err := json.Unmarshal(p.stdout.Bytes(), &rep); err != nil {
		t.Fatalf("invalid report JSON: %v\nstdout:\n%s\nstderr:\n%s", err, p.stdout.String(), p.stderr.String())
	}
	return rep
}

func getFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to get free port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// dialExtension plays the extension: it keeps dialing until the harness is
// listening.
func dialExtension(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Origin": []string{"chrome-extension://lotab"}}
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr, header)
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("extension could not connect to %s: %v", addr, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func readRequest(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	var env struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("request is not JSON: %v (%s)", err, data)
	}
	return env.Event
}

func TestIntegrationProtocolConformance(t *testing.T) {
	addr := getFreeAddr(t)
	p := startCheckProtocol(t, addr)

	conn := dialExtension(t, addr)
	if got := readRequest(t, conn); got != "Daemon::WS::AllTabsInfoRequest" {
		t.Fatalf("request event = %q", got)
	}
	resp := `{"event":"Extension::WS::AllTabsInfoResponse","data":{"tabs":[{"id":1,"url":"https://example.com"}],"groups":[]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
		t.Fatalf("write response: %v", err)
	}

	if code := p.wait(t, 10*time.Second); code != 0 {
		t.Fatalf("exit code = %d\nstdout:\n%s\nstderr:\n%s", code, p.stdout.String(), p.stderr.String())
	}
	rep := p.report(t)
	if rep["passed"] != true {
		t.Errorf("report not passed: %v", rep)
	}
	if !strings.Contains(p.stdout.String(), "1 tab(s) and 0 group(s)") {
		t.Errorf("report missing inventory note:\n%s", p.stdout.String())
	}
}

func TestIntegrationProtocolViolation(t *testing.T) {
	addr := getFreeAddr(t)
	p := startCheckProtocol(t, addr)

	conn := dialExtension(t, addr)
	readRequest(t, conn)
	resp := `{"event":"Extension::WS::AllTabsInfoResponse","data":{"tabs":[]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
		t.Fatalf("write response: %v", err)
	}

	if code := p.wait(t, 10*time.Second); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	rep := p.report(t)
	if rep["error_code"] != "protocol.violation" {
		t.Errorf("error_code = %v, want protocol.violation", rep["error_code"])
	}
	if !strings.Contains(fmt.Sprint(rep["error"]), "data.groups") {
		t.Errorf("error should name the missing field: %v", rep["error"])
	}
}

func TestIntegrationSecondConnectionRefused(t *testing.T) {
	addr := getFreeAddr(t)
	p := startCheckProtocol(t, addr)

	conn := dialExtension(t, addr)
	readRequest(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr, nil)
	if err == nil {
		t.Fatal("second connection should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second connection response = %v, want 409", resp)
	}

	conn.Close()
	if code := p.wait(t, 10*time.Second); code != 1 {
		t.Errorf("exit code = %d, want 1 after the extension hung up", code)
	}
}

func TestIntegrationNoExtension(t *testing.T) {
	addr := getFreeAddr(t)
	p := startCheckProtocol(t, addr)

	if code := p.wait(t, 15*time.Second); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if got := p.report(t)["error_code"]; got != "protocol.no_response" {
		t.Errorf("error_code = %v, want protocol.no_response", got)
	}
}

func TestIntegrationManifestCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gui.json")
	manifest := `{"tasks":[{"name":"Write report"},{"name":"Review"}]}`
	if err := os.WriteFile(path, []byte(manifest), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := exec.Command(binaryPath, "manifest", "--task", "Review", path).CombinedOutput()
	if err != nil {
		t.Fatalf("manifest command failed: %v\n%s", err, out)
	}
	if !strings.Contains(string(out), "Tasks (2):") {
		t.Errorf("output missing task listing:\n%s", out)
	}

	out, err = exec.Command(binaryPath, "manifest", "--task", "Missing", path).CombinedOutput()
	if err == nil {
		t.Errorf("expected failure for a missing task:\n%s", out)
	}
}
