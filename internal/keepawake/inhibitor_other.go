//go:build !darwin

package keepawake

import (
	"context"

	apperrors "github.com/lotab/harness/internal/errors"
)

// NewDefaultAdapter returns an adapter that always reports unsupported.
func NewDefaultAdapter() Adapter {
	return unsupportedAdapter{}
}

type unsupportedAdapter struct{}

func (unsupportedAdapter) Acquire(ctx context.Context, req Request) (Handle, error) {
	return nil, apperrors.New(apperrors.CodeKeepAwakeUnsupported,
		"no sleep assertion mechanism on this platform for "+req.Owner)
}
