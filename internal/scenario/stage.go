package scenario

import "fmt"

// Stage is a point in a scenario's lifecycle.
type Stage string

const (
	StageNotStarted      Stage = "NotStarted"
	StageDaemonRunning   Stage = "DaemonRunning"
	StageBrowserAttached Stage = "BrowserAttached"
	StageActing          Stage = "Acting"
	StageConverging      Stage = "Converging"
	StageTearingDown     Stage = "TearingDown"
	StageVerified        Stage = "Verified"
	StageFailed          Stage = "Failed"
)

// transitions lists the stages reachable from each stage. Scenarios without
// a daemon or browser skip those stages, and any live stage may jump to
// TearingDown on failure.
var transitions = map[Stage][]Stage{
	StageNotStarted:      {StageDaemonRunning, StageBrowserAttached, StageActing, StageTearingDown},
	StageDaemonRunning:   {StageBrowserAttached, StageActing, StageTearingDown},
	StageBrowserAttached: {StageActing, StageTearingDown},
	StageActing:          {StageConverging, StageTearingDown},
	StageConverging:      {StageActing, StageTearingDown},
	StageTearingDown:     {StageVerified, StageFailed},
}

// CanEnter reports whether next may follow s.
func (s Stage) CanEnter(next Stage) bool {
	if s == next && (s == StageActing || s == StageConverging) {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the lifecycle.
func (s Stage) Terminal() bool {
	return s == StageVerified || s == StageFailed
}

func stageError(from, to Stage) error {
	return fmt.Errorf("illegal stage transition %s -> %s", from, to)
}
