// Package keepawake holds a display and idle sleep assertion while a suite
// injects synthetic input. Keystrokes sent while the display sleeps are
// dropped by the OS, which shows up as spurious convergence timeouts.
package keepawake

import (
	"context"
	"log"
	"sync"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Handle represents an acquired process-scoped inhibitor.
type Handle interface {
	// Done is closed when the inhibitor exits.
	Done() <-chan struct{}
	// Err returns the terminal inhibitor exit error after Done closes.
	Err() error
	// Release requests inhibitor shutdown.
	Release(ctx context.Context) error
}

// Request describes who holds the assertion and for how long.
type Request struct {
	// Owner names the holder in logs, usually a suite ID.
	Owner string
	// Limit caps the assertion so a wedged harness cannot keep the display
	// on forever. Zero means until Release or harness exit.
	Limit time.Duration
}

// Adapter acquires OS-specific process-scoped inhibitors.
type Adapter interface {
	Acquire(ctx context.Context, req Request) (Handle, error)
}

// Guard holds at most one inhibitor for the lifetime of a suite.
type Guard struct {
	adapter Adapter

	mu     sync.Mutex
	handle Handle
	owner  string
	since  time.Time
}

// NewGuard creates a guard backed by adapter.
func NewGuard(adapter Adapter) *Guard {
	return &Guard{adapter: adapter}
}

// Hold acquires the inhibitor for req.Owner unless one is already active.
// An inhibitor that exited on its own is replaced.
func (g *Guard) Hold(ctx context.Context, req Request) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.handle != nil {
		select {
		case <-g.handle.Done():
			log.Printf("keepawake: inhibitor for %s exited (%v), reacquiring for %s", g.owner, g.handle.Err(), req.Owner)
			g.handle = nil
		default:
			return nil
		}
	}

	h, err := g.adapter.Acquire(ctx, req)
	if err != nil {
		return err
	}
	g.handle = h
	g.owner = req.Owner
	g.since = time.Now()
	if req.Limit > 0 {
		log.Printf("keepawake: holding sleep assertion for %s (limit %v)", req.Owner, req.Limit.Round(time.Second))
	} else {
		log.Printf("keepawake: holding sleep assertion for %s", req.Owner)
	}
	return nil
}

// Owner returns the owner of the live inhibitor, or "" when none is held.
func (g *Guard) Owner() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.liveLocked() {
		return ""
	}
	return g.owner
}

// Held reports whether a live inhibitor is held.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.liveLocked()
}

func (g *Guard) liveLocked() bool {
	if g.handle == nil {
		return false
	}
	select {
	case <-g.handle.Done():
		return false
	default:
		return true
	}
}

// Release drops the inhibitor. Releasing with nothing held is a no-op.
func (g *Guard) Release(ctx context.Context) error {
	g.mu.Lock()
	h, owner, since := g.handle, g.owner, g.since
	g.handle = nil
	g.owner = ""
	g.mu.Unlock()

	if h == nil {
		return nil
	}
	if err := h.Release(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeKeepAwakeFailed, "release sleep assertion for "+owner, err)
	}
	log.Printf("keepawake: released sleep assertion for %s after %v", owner, time.Since(since).Round(time.Millisecond))
	return nil
}
