//go:build !darwin

package input

import (
	"context"
	"errors"

	apperrors "github.com/lotab/harness/internal/errors"
)

// NewDefaultInjector returns an injector that refuses every command. The
// overlay only exists on macOS.
func NewDefaultInjector() Injector {
	return unsupportedInjector{}
}

type unsupportedInjector struct{}

var errUnsupported = errors.New("synthetic input is unsupported on this platform")

func (unsupportedInjector) Inject(ctx context.Context, cmd Command) error {
	return apperrors.InputInjectionFailure(cmd.String(), errUnsupported)
}

func (unsupportedInjector) ClickStatusMenuItem(ctx context.Context, process, item string) error {
	return apperrors.InputInjectionFailure("menu item "+item, errUnsupported)
}
