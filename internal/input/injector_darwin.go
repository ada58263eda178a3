//go:build darwin

package input

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	apperrors "github.com/lotab/harness/internal/errors"
)

// NewDefaultInjector returns the System Events injector driven by osascript.
func NewDefaultInjector() Injector {
	return &osascriptInjector{execCmd: exec.CommandContext}
}

type osascriptInjector struct {
	execCmd func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func (o *osascriptInjector) Inject(ctx context.Context, cmd Command) error {
	_, err := o.run(ctx, keystrokeScript(cmd))
	if err != nil {
		return apperrors.InputInjectionFailure(cmd.String(), err)
	}
	return nil
}

func (o *osascriptInjector) ClickStatusMenuItem(ctx context.Context, process, item string) error {
	out, err := o.run(ctx, statusMenuScript(process, item))
	if err != nil {
		return apperrors.InputInjectionFailure("menu item "+item, err)
	}
	if strings.HasPrefix(out, "ERROR:") {
		return apperrors.InputInjectionFailure("menu item "+item, fmt.Errorf("%s", out))
	}
	return nil
}

func (o *osascriptInjector) run(ctx context.Context, script string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := o.execCmd(ctx, "osascript", "-e", script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("%w: %s", err, msg)
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}
