package storage

// runs.go contains SQLiteStore methods for run history.

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Run is one scenario execution as stored in history.
type Run struct {
	ID           string
	SuiteID      string
	Scenario     string
	StartedAt    time.Time
	FinishedAt   time.Time
	Passed       bool
	FailedStage  string
	ErrorCode    string
	ErrorMessage string
	// Report is the full JSON report.
	Report string
	// Stages is only populated by GetRun.
	Stages []StageEntry
}

// Duration is how long the run took.
func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// StageEntry records the run entering a stage.
type StageEntry struct {
	Stage     string
	EnteredAt time.Time
	Note      string
}

// SaveRun stores run and its stages, then prunes history to the retention
// limit. Saving an existing id replaces it.
func (s *SQLiteStore) SaveRun(run *Run) error {
	if run == nil {
		return apperrors.New(apperrors.CodeStorageSaveFailed, "run cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Printf("storage: saving run %s (%s, passed=%v)", run.ID, run.Scenario, run.Passed)

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "begin transaction", err)
	}
	defer tx.Rollback()

	const insertRun = `
		INSERT OR REPLACE INTO runs
			(id, suite_id, scenario, started_at, finished_at, duration_ms,
			 passed, failed_stage, error_code, error_message, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	report := run.Report
	if report == "" {
		report = "{}"
	}
	_, err = tx.Exec(insertRun,
		run.ID,
		run.SuiteID,
		run.Scenario,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.Duration().Milliseconds(),
		boolToInt(run.Passed),
		run.FailedStage,
		run.ErrorCode,
		run.ErrorMessage,
		report,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "insert run", err)
	}

	if _, err := tx.Exec("DELETE FROM run_stages WHERE run_id = ?", run.ID); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "clear stages", err)
	}
	const insertStage = `
		INSERT INTO run_stages (run_id, seq, stage, entered_at, note)
		VALUES (?, ?, ?, ?, ?)
	`
	for i, st := range run.Stages {
		if _, err := tx.Exec(insertStage, run.ID, i, st.Stage, st.EnteredAt.UTC().Format(time.RFC3339Nano), st.Note); err != nil {
			return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "insert stage", err)
		}
	}

	// Keep only the newest runs.
	const cleanupQuery = `
		DELETE FROM runs WHERE id IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := tx.Exec(cleanupQuery, s.retention); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "enforce run retention", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "commit run", err)
	}
	return nil
}

const runColumns = `id, suite_id, scenario, started_at, finished_at, passed,
	failed_stage, error_code, error_message, report`

// GetRun returns one run with its stage timeline, or ErrRunNotFound.
func (s *SQLiteStore) GetRun(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.CodeStorageNotFound, fmt.Sprintf("no run %s", id), ErrRunNotFound)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get run", err)
	}

	rows, err := s.db.Query(`
		SELECT stage, entered_at, note FROM run_stages
		WHERE run_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get run stages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st StageEntry
		var enteredAt string
		if err := rows.Scan(&st.Stage, &enteredAt, &st.Note); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan stage", err)
		}
		st.EnteredAt = parseTime(enteredAt)
		run.Stages = append(run.Stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate stages", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first. limit <= 0 uses the retention
// limit.
func (s *SQLiteStore) ListRuns(limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = s.retention
	}

	rows, err := s.db.Query("SELECT "+runColumns+" FROM runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "list runs", err)
	}
	defer rows.Close()

	runs := make([]*Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan run", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "iterate runs", err)
	}
	return runs, nil
}

// FailureCounts groups failed runs by error code.
func (s *SQLiteStore) FailureCounts() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT error_code, COUNT(*) FROM runs
		WHERE passed = 0
		GROUP BY error_code
	`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "count failures", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "scan failure count", err)
		}
		counts[code] = n
	}
	return counts, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                   Run
		startedAt, finishedAt string
		passed                int
	)
	err := row.Scan(
		&run.ID,
		&run.SuiteID,
		&run.Scenario,
		&startedAt,
		&finishedAt,
		&passed,
		&run.FailedStage,
		&run.ErrorCode,
		&run.ErrorMessage,
		&run.Report,
	)
	if err != nil {
		return nil, err
	}
	run.StartedAt = parseTime(startedAt)
	run.FinishedAt = parseTime(finishedAt)
	run.Passed = passed != 0
	return &run, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("storage: unparseable timestamp %q: %v", s, err)
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
