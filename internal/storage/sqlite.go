// Package storage keeps the history of harness runs in SQLite so failures can
// be compared across runs and grouped by error code.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	// Pure-Go driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	apperrors "github.com/lotab/harness/internal/errors"
)

// ErrRunNotFound is returned when a run lookup fails.
var ErrRunNotFound = errors.New("run not found")

// DefaultRetention is how many runs are kept when no limit is configured.
const DefaultRetention = 200

// SQLiteStore persists run reports. It creates the database and tables on
// first use and supports concurrent access through internal locking.
type SQLiteStore struct {
	db        *sql.DB      // Database connection handle.
	mu        sync.RWMutex // Guards all database operations.
	retention int          // Runs kept after each save.
}

// NewSQLiteStore opens or creates the history database at path, creating its
// parent directory if needed. retention <= 0 uses DefaultRetention.
func NewSQLiteStore(path string, retention int) (*SQLiteStore, error) {
	log.Printf("storage: opening database at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "create database directory", err)
		}
	}

	// Stage rows reference runs, so foreign keys must be on for cascading
	// deletes. busy_timeout covers a history command reading during a run.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "ping database", err)
	}

	if retention <= 0 {
		retention = DefaultRetention
	}
	store := &SQLiteStore{db: db, retention: retention}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.CodeStorageOpenFailed, "init schema", err)
	}

	log.Printf("storage: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	log.Printf("storage: closing database")
	return s.db.Close()
}

// SchemaVersion returns the highest applied migration.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
