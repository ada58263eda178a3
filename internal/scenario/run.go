package scenario

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lotab/harness/internal/bridge"
	apperrors "github.com/lotab/harness/internal/errors"
	"github.com/lotab/harness/internal/input"
	"github.com/lotab/harness/internal/protocol"
	"github.com/lotab/harness/internal/supervisor"
)

// Run is the live state of one scenario, handed to its Steps. Calls are
// strictly sequential: each action's convergence check resolves before the
// next action is dispatched.
type Run struct {
	ID       string
	Scenario string

	ctx    context.Context
	timing Timing
	report *Report
	stage  Stage
	now    func() time.Time

	procs   Processes
	daemon  DaemonHandle
	input   *input.Dispatcher
	browser Browser
	ext     *bridge.Extension
	checker *protocol.Checker
}

// Context is the scenario's context, cancelled on scenario timeout.
func (r *Run) Context() context.Context {
	return r.ctx
}

// Stage is the current lifecycle stage.
func (r *Run) Stage() Stage {
	return r.stage
}

func (r *Run) enter(next Stage, note string) {
	if r.stage == next && next != StageNotStarted {
		return
	}
	if r.stage != "" && !r.stage.CanEnter(next) {
		log.Printf("scenario: %s: %v", r.Scenario, stageError(r.stage, next))
	}
	r.stage = next
	r.report.Stage = next
	r.report.Stages = append(r.report.Stages, StageEntry{Stage: next, At: r.now(), Note: note})
}

// Note adds a free-form line to the report.
func (r *Run) Note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("scenario: %s: %s", r.Scenario, msg)
	r.report.Notes = append(r.report.Notes, msg)
}

// Act dispatches actions in order, each followed by the key settle delay.
func (r *Run) Act(actions ...input.Action) error {
	r.enter(StageActing, "")
	for _, a := range actions {
		if err := r.requireInput(); err != nil {
			return err
		}
		if err := r.input.Do(r.ctx, a); err != nil {
			return err
		}
		if err := r.Settle(r.timing.KeySettle, "overlay key handling"); err != nil {
			return err
		}
	}
	return nil
}

// Press dispatches a single command, e.g. a vocabulary entry with extra
// modifiers, followed by the key settle delay.
func (r *Run) Press(cmd input.Command) error {
	r.enter(StageActing, "")
	if err := r.requireInput(); err != nil {
		return err
	}
	if err := r.input.Dispatch(r.ctx, cmd); err != nil {
		return err
	}
	return r.Settle(r.timing.KeySettle, "overlay key handling")
}

// Type enters text into the focused field.
func (r *Run) Type(text string, perChar bool) error {
	r.enter(StageActing, "")
	if err := r.requireInput(); err != nil {
		return err
	}
	if err := r.input.Type(r.ctx, text, perChar); err != nil {
		return err
	}
	return r.Settle(r.timing.KeySettle, "overlay key handling")
}

// ToggleOverlay shows or hides the overlay. Its visibility has no query
// surface, so this waits a fixed delay and marks the run best-effort.
func (r *Run) ToggleOverlay() error {
	r.enter(StageActing, "")
	if err := r.requireInput(); err != nil {
		return err
	}
	if err := r.input.Do(r.ctx, input.ActionToggleOverlay); err != nil {
		return err
	}
	return r.Settle(r.timing.OverlaySettle, "overlay visibility")
}

// ClickStatusMenuItem clicks an entry in the daemon's status bar menu.
func (r *Run) ClickStatusMenuItem(item string) error {
	r.enter(StageActing, "")
	if err := r.requireInput(); err != nil {
		return err
	}
	return r.input.ClickStatusMenuItem(r.ctx, r.procs.DaemonName(), item)
}

// Settle waits d for an effect that cannot be observed and records reason
// as a best-effort assumption.
func (r *Run) Settle(d time.Duration, reason string) error {
	if d <= 0 {
		return r.ctx.Err()
	}
	r.report.addBestEffort(reason)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Run) requireInput() error {
	if r.input == nil {
		return apperrors.Internal(fmt.Sprintf("scenario %s injects input but did not declare it", r.Scenario), nil)
	}
	return nil
}

// OpenTab opens a fixture tab with a fixed title.
func (r *Run) OpenTab(url, title string) error {
	if r.browser == nil {
		return apperrors.Internal("scenario has no browser", nil)
	}
	return r.browser.OpenTab(r.ctx, url, title)
}

// Extension returns the attached extension handle, or nil.
func (r *Run) Extension() *bridge.Extension {
	return r.ext
}

// Checker returns the protocol checker, or nil.
func (r *Run) Checker() *protocol.Checker {
	return r.checker
}

// Daemon returns the running daemon, or nil.
func (r *Run) Daemon() DaemonHandle {
	return r.daemon
}

// GUIProcesses lists the GUI instances spawned by the daemon.
func (r *Run) GUIProcesses() ([]supervisor.Process, error) {
	return r.procs.GUI(r.ctx, r.daemon)
}

// Timing returns the run's timing settings.
func (r *Run) Timing() Timing {
	return r.timing
}

// Snapshot queries tabs and groups and records them as the last observed
// state.
func (r *Run) Snapshot() (*bridge.Snapshot, error) {
	if r.ext == nil {
		return nil, apperrors.Internal("scenario has no extension handle", nil)
	}
	snap, err := r.ext.Snapshot(r.ctx)
	if err != nil {
		return nil, err
	}
	r.report.LastObserved = snap
	return snap, nil
}

// Check inspects a snapshot and explains why it does not match.
type Check func(s *bridge.Snapshot) error

// Expect polls the browser until check passes or the convergence timeout
// elapses. Failing is ConvergenceTimeout carrying the last mismatch.
func (r *Run) Expect(what string, check Check) error {
	r.enter(StageConverging, what)
	out := bridge.Await(r.ctx, func(ctx context.Context) (bool, error) {
		snap, err := r.Snapshot()
		if err != nil {
			return false, err
		}
		if err := check(snap); err != nil {
			return false, err
		}
		return true, nil
	}, r.timing.ConvergeTimeout, r.timing.PollInterval)

	if !out.Met {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		return apperrors.ConvergenceTimeout(what, out.Attempts, out.LastErr)
	}
	log.Printf("scenario: %s: %s converged after %d poll(s) in %v", r.Scenario, what, out.Attempts, out.Elapsed.Round(time.Millisecond))
	r.enter(StageActing, "")
	return nil
}

// ExpectCondition polls an arbitrary predicate, for state that is not
// browser state (e.g. process liveness).
func (r *Run) ExpectCondition(what string, pred bridge.Predicate) error {
	r.enter(StageConverging, what)
	out := bridge.Await(r.ctx, pred, r.timing.ConvergeTimeout, r.timing.PollInterval)
	if !out.Met {
		if r.ctx.Err() != nil {
			return r.ctx.Err()
		}
		return apperrors.ConvergenceTimeout(what, out.Attempts, out.LastErr)
	}
	r.enter(StageActing, "")
	return nil
}
