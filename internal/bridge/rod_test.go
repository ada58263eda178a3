package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
)

// writeFixtureExtension writes a minimal MV3 extension with the permissions
// the queries need.
func writeFixtureExtension(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.json": `{
  "manifest_version": 3,
  "name": "harness fixture",
  "version": "0.0.1",
  "permissions": ["tabs", "tabGroups"],
  "background": {"service_worker": "background.js"}
}`,
		"background.js": "self.addEventListener('install', () => {});\n",
	}
	for name, body := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// TestSessionAgainstChromium drives a real browser. It needs a local
// Chromium and LOTAB_BROWSER_TESTS=1, since the extension only loads in a
// windowed or new-headless browser.
func TestSessionAgainstChromium(t *testing.T) {
	if testing.Short() || os.Getenv("LOTAB_BROWSER_TESTS") != "1" {
		t.Skip("set LOTAB_BROWSER_TESTS=1 to run against a local browser")
	}
	bin, ok := launcher.LookPath()
	if !ok {
		t.Skip("no Chromium found")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sess, err := Launch(ctx, LaunchOptions{
		BrowserBin:    bin,
		ExtensionPath: writeFixtureExtension(t),
		UserDataDir:   t.TempDir(),
		Headless:      os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "",
	})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer sess.Close()

	ext, err := sess.AttachExtension(ctx, AttachOptions{Attempts: 20, Interval: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("AttachExtension: %v", err)
	}
	if !ext.Target().IsExtensionContext() {
		t.Fatalf("attached to %+v", ext.Target())
	}

	for _, title := range []string{"fixture one", "fixture two"} {
		if err := sess.OpenTab(ctx, "about:blank", title); err != nil {
			t.Fatalf("OpenTab(%s): %v", title, err)
		}
	}

	out := Await(ctx, func(ctx context.Context) (bool, error) {
		tabs, err := ext.QueryTabs(ctx)
		if err != nil {
			return false, err
		}
		titles := map[string]bool{}
		for _, tab := range tabs {
			titles[tab.Title] = true
		}
		return titles["fixture one"] && titles["fixture two"], nil
	}, 10*time.Second, 250*time.Millisecond)
	if !out.Met {
		t.Fatalf("tabs never showed both titles after %d polls: %v", out.Attempts, out.LastErr)
	}

	groupID, err := ext.GroupTabsByTitle(ctx, []string{"fixture one"}, "tab group 1", "blue")
	if err != nil {
		t.Fatalf("GroupTabsByTitle: %v", err)
	}
	snap, err := ext.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Groups) != 1 || snap.Groups[0].ID != groupID || snap.Groups[0].TabCount != 1 {
		t.Errorf("groups = %+v", snap.Groups)
	}
}
