package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lotab/harness/internal/bridge"
	"github.com/lotab/harness/internal/storage"
	"github.com/lotab/harness/internal/supervisor"
)

// StageEntry records entering a stage.
type StageEntry struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// Report is the outcome of one scenario run. On failure it carries what is
// needed to diagnose a timing-sensitive race: the failed stage, the last
// observed browser state, the manifests and the daemon's output.
type Report struct {
	RunID    string `json:"run_id"`
	SuiteID  string `json:"suite_id,omitempty"`
	Scenario string `json:"scenario"`

	Passed      bool   `json:"passed"`
	Stage       Stage  `json:"stage"`
	FailedStage Stage  `json:"failed_stage,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Error       string `json:"error,omitempty"`
	NextAction  string `json:"next_action,omitempty"`

	Stages       []StageEntry     `json:"stages"`
	LastObserved *bridge.Snapshot `json:"last_observed,omitempty"`

	DaemonManifest string `json:"daemon_manifest,omitempty"`
	GUIManifest    string `json:"gui_manifest,omitempty"`

	// Warnings are non-fatal findings such as corrupt manifests.
	Warnings []string `json:"warnings,omitempty"`
	// BestEffort lists the fixed waits the scenario relied on where no
	// observable state exists to poll.
	BestEffort []string `json:"best_effort,omitempty"`
	Notes      []string `json:"notes,omitempty"`

	DaemonOutput string                 `json:"daemon_output,omitempty"`
	Stop         *supervisor.StopResult `json:"stop,omitempty"`
	Remaining    []supervisor.Process   `json:"remaining,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) addBestEffort(reason string) {
	for _, existing := range r.BestEffort {
		if existing == reason {
			return
		}
	}
	r.BestEffort = append(r.BestEffort, reason)
}

// WriteText prints a human-readable summary.
func (r *Report) WriteText(w io.Writer) {
	status := "PASS"
	if !r.Passed {
		status = "FAIL"
	}
	fmt.Fprintf(w, "%s %s (%s, run %s)\n", status, r.Scenario, r.Duration().Round(time.Millisecond), r.RunID)
	if !r.Passed {
		fmt.Fprintf(w, "  failed in %s: [%s] %s\n", r.FailedStage, r.ErrorCode, r.Error)
		if r.NextAction != "" {
			fmt.Fprintf(w, "  next: %s\n", r.NextAction)
		}
		if r.LastObserved != nil {
			fmt.Fprintf(w, "  last observed: %s\n", r.LastObserved)
		}
		for _, p := range r.Remaining {
			fmt.Fprintf(w, "  still running: pid %d %s\n", p.PID, p.Name)
		}
		if r.DaemonOutput != "" {
			fmt.Fprintf(w, "  daemon output:\n%s\n", indent(r.DaemonOutput, "    "))
		}
	}
	if r.DaemonManifest != "" {
		fmt.Fprintf(w, "  daemon manifest: %s\n", r.DaemonManifest)
	}
	if r.GUIManifest != "" {
		fmt.Fprintf(w, "  gui manifest: %s\n", r.GUIManifest)
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warn)
	}
	for _, be := range r.BestEffort {
		fmt.Fprintf(w, "  best-effort: %s\n", be)
	}
	for _, n := range r.Notes {
		fmt.Fprintf(w, "  note: %s\n", n)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

// ToRun converts the report for the history store.
func (r *Report) ToRun() (*storage.Run, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	run := &storage.Run{
		ID:           r.RunID,
		SuiteID:      r.SuiteID,
		Scenario:     r.Scenario,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Passed:       r.Passed,
		FailedStage:  string(r.FailedStage),
		ErrorCode:    r.ErrorCode,
		ErrorMessage: r.Error,
		Report:       string(data),
	}
	for _, st := range r.Stages {
		run.Stages = append(run.Stages, storage.StageEntry{Stage: string(st.Stage), EnteredAt: st.At, Note: st.Note})
	}
	return run, nil
}

// ReportFromRun decodes a stored report. Runs stored without a full report
// are rebuilt from their columns.
func ReportFromRun(run *storage.Run) *Report {
	var r Report
	if err := json.Unmarshal([]byte(run.Report), &r); err != nil || r.RunID == "" {
		r = Report{
			RunID:       run.ID,
			SuiteID:     run.SuiteID,
			Scenario:    run.Scenario,
			Passed:      run.Passed,
			FailedStage: Stage(run.FailedStage),
			ErrorCode:   run.ErrorCode,
			Error:       run.ErrorMessage,
			StartedAt:   run.StartedAt,
			FinishedAt:  run.FinishedAt,
		}
		for _, st := range run.Stages {
			r.Stages = append(r.Stages, StageEntry{Stage: Stage(st.Stage), At: st.EnteredAt, Note: st.Note})
		}
	}
	return &r
}
