// Package install verifies the installer end to end: it runs the build's
// install step into a scratch prefix, registers the daemon as a per-user
// launchd service under a throwaway name, and checks that loading and
// unloading the service behave.
//
// The installer and service scripts are treated as opaque commands.
package install

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

const (
	// DefaultServiceName is the label the installer writes into the plist.
	DefaultServiceName = "com.mob.lotab"
	// ServiceNameEnv tells the service script which label to manage.
	ServiceNameEnv = "LOTAB_SERVICE_NAME"
	// PrefixEnv is the install prefix honored by the build script.
	PrefixEnv = "PREFIX"
)

// Options configures one install check.
type Options struct {
	// ProjectRoot is where the installer and service script live.
	ProjectRoot string
	// Prefix is the install prefix. Empty uses a temporary directory that is
	// removed afterwards.
	Prefix string
	// ServiceName is the launchd label to register. Empty derives a unique
	// test label from DefaultServiceName.
	ServiceName string
	// Installer is the install command. Default: ./build.sh install
	Installer []string
	// ServiceScript loads the service with no arguments and unloads it with
	// "unload". Default: ./scripts/launchctl.sh
	ServiceScript string
	// LoadWait is the pause between loading and checking launchctl.
	LoadWait time.Duration
	// HomeDir locates ~/Library/LaunchAgents. Empty uses the user's home.
	HomeDir string
}

// Step is one verified stage of the check.
type Step struct {
	Name   string
	Passed bool
	Detail string
}

// Result lists every step attempted.
type Result struct {
	ServiceName string
	Prefix      string
	Steps       []Step
}

// Passed reports whether every attempted step passed.
func (r *Result) Passed() bool {
	for _, s := range r.Steps {
		if !s.Passed {
			return false
		}
	}
	return len(r.Steps) > 0
}

func (r *Result) pass(name, detail string) {
	log.Printf("install: %s: ok %s", name, detail)
	r.Steps = append(r.Steps, Step{Name: name, Passed: true, Detail: detail})
}

func (r *Result) fail(name, detail string) error {
	log.Printf("install: %s: FAILED %s", name, detail)
	r.Steps = append(r.Steps, Step{Name: name, Detail: detail})
	return apperrors.New(apperrors.CodeInstallFailed, fmt.Sprintf("%s: %s", name, detail))
}

// Checker runs install checks.
type Checker struct {
	// execCommand creates commands. Tests inject a helper process.
	execCommand func(ctx context.Context, name string, arg ...string) *exec.Cmd
	now         func() time.Time
}

// NewChecker creates a checker that runs real commands.
func NewChecker() *Checker {
	return &Checker{execCommand: exec.CommandContext, now: time.Now}
}

func (o Options) withDefaults(now time.Time) Options {
	if len(o.Installer) == 0 {
		o.Installer = []string{"./build.sh", "install"}
	}
	if o.ServiceScript == "" {
		o.ServiceScript = "./scripts/launchctl.sh"
	}
	if o.ServiceName == "" {
		o.ServiceName = fmt.Sprintf("%s.test_%d", DefaultServiceName, now.Unix())
	}
	if o.LoadWait == 0 {
		o.LoadWait = time.Second
	}
	return o
}

// Run performs the check. The returned Result is non-nil even on failure;
// the error names the first failing step. A loaded service is always
// unloaded before returning.
func (c *Checker) Run(ctx context.Context, opts Options) (*Result, error) {
	opts = opts.withDefaults(c.now())
	if opts.HomeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return &Result{}, apperrors.Wrap(apperrors.CodeInstallFailed, "resolve home directory", err)
		}
		opts.HomeDir = home
	}

	if opts.Prefix == "" {
		dir, err := os.MkdirTemp("", "lotab-install-")
		if err != nil {
			return &Result{}, apperrors.Wrap(apperrors.CodeInstallFailed, "create temporary prefix", err)
		}
		defer os.RemoveAll(dir)
		opts.Prefix = dir
	}

	res := &Result{ServiceName: opts.ServiceName, Prefix: opts.Prefix}
	env := []string{PrefixEnv + "=" + opts.Prefix, ServiceNameEnv + "=" + opts.ServiceName}

	if out, err := c.run(ctx, opts.ProjectRoot, env, opts.Installer[0], opts.Installer[1:]...); err != nil {
		return res, res.fail("install", fmt.Sprintf("%v\n%s", err, out))
	}
	res.pass("install", strings.Join(opts.Installer, " "))

	daemon := filepath.Join(opts.Prefix, "bin", "lotab_daemon")
	if _, err := os.Stat(daemon); err != nil {
		return res, res.fail("binary", fmt.Sprintf("%s not installed", daemon))
	}
	res.pass("binary", daemon)

	shareDir := filepath.Join(opts.Prefix, "share", "lotab")
	if err := PatchPlist(shareDir, opts.ServiceName); err != nil {
		return res, res.fail("plist", err.Error())
	}
	res.pass("plist", filepath.Join(shareDir, opts.ServiceName+".plist"))

	if out, err := c.run(ctx, opts.ProjectRoot, env, opts.ServiceScript); err != nil {
		return res, res.fail("load", fmt.Sprintf("%v\n%s", err, out))
	}
	res.pass("load", opts.ServiceScript)

	unloaded := false
	defer func() {
		if unloaded {
			return
		}
		if _, err := c.run(context.Background(), opts.ProjectRoot, env, opts.ServiceScript, "unload"); err != nil {
			log.Printf("install: cleanup unload of %s failed: %v", opts.ServiceName, err)
		}
	}()

	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-time.After(opts.LoadWait):
	}

	if err := c.expectListed(ctx, opts.ServiceName, true); err != nil {
		return res, res.fail("listed", err.Error())
	}
	res.pass("listed", opts.ServiceName)

	if out, err := c.run(ctx, opts.ProjectRoot, env, opts.ServiceScript, "unload"); err != nil {
		return res, res.fail("unload", fmt.Sprintf("%v\n%s", err, out))
	}
	unloaded = true
	res.pass("unload", opts.ServiceScript+" unload")

	if err := c.expectListed(ctx, opts.ServiceName, false); err != nil {
		return res, res.fail("unlisted", err.Error())
	}
	res.pass("unlisted", opts.ServiceName)

	agent := filepath.Join(opts.HomeDir, "Library", "LaunchAgents", opts.ServiceName+".plist")
	if _, err := os.Stat(agent); err == nil {
		return res, res.fail("cleanup", fmt.Sprintf("%s still exists", agent))
	}
	res.pass("cleanup", agent+" removed")

	return res, nil
}

func (c *Checker) expectListed(ctx context.Context, service string, want bool) error {
	cmd := c.execCommand(ctx, "launchctl", "list")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("launchctl list: %w", err)
	}
	found := bytes.Contains(out, []byte(service))
	switch {
	case want && !found:
		return fmt.Errorf("%s not in launchctl list", service)
	case !want && found:
		return fmt.Errorf("%s still in launchctl list", service)
	}
	return nil
}

func (c *Checker) run(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
	cmd := c.execCommand(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), env...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// PatchPlist rewrites the installed plist for service: the default label is
// replaced, the file is renamed to <service>.plist and the original removed.
func PatchPlist(shareDir, service string) error {
	orig := filepath.Join(shareDir, DefaultServiceName+".plist")
	data, err := os.ReadFile(orig)
	if err != nil {
		return fmt.Errorf("original plist not found: %w", err)
	}

	label := []byte("<string>" + DefaultServiceName + "</string>")
	if !bytes.Contains(data, label) {
		return fmt.Errorf("%s has no %s label", orig, DefaultServiceName)
	}
	patched := bytes.ReplaceAll(data, label, []byte("<string>"+service+"</string>"))

	if err := os.WriteFile(filepath.Join(shareDir, service+".plist"), patched, 0644); err != nil {
		return fmt.Errorf("write patched plist: %w", err)
	}
	return os.Remove(orig)
}
