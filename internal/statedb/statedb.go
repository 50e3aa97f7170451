// Package statedb persists service definitions, service run history and the
// last known activity state of live sessions in SQLite.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// StateDB wraps a SQLite database.
// Safe for concurrent use from multiple goroutines within one process;
// separate processes (the CLI and a running server) coordinate through WAL
// mode and the busy timeout.
type StateDB struct {
	db *sql.DB
}

// ServiceRow is a persisted service definition.
type ServiceRow struct {
	ID            string
	DisplayName   string
	LaunchCommand string
	WorkingDir    string
	Color         string
	LinkedName    string
	CreatedAt     time.Time
}

// RunRow is one run of a service.
type RunRow struct {
	ID         int64
	ServiceID  string
	SessionID  uint32
	Status     string
	StartedAt  time.Time
	StoppedAt  time.Time
	ExitReason string
}

// SessionStateRow is the last classified state of a live session.
type SessionStateRow struct {
	SessionID uint32
	OwnerKind string
	OwnerID   string
	State     string
	ChangedAt time.Time
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	// busy_timeout and foreign_keys are per connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	return &StateDB{db: db}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist and records the schema version.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []struct{ name, ddl string }{
		{"metadata", `
			CREATE TABLE IF NOT EXISTS metadata (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			)`},
		{"services", `
			CREATE TABLE IF NOT EXISTS services (
				id             TEXT PRIMARY KEY,
				display_name   TEXT NOT NULL DEFAULT '',
				launch_command TEXT NOT NULL,
				working_dir    TEXT NOT NULL DEFAULT '',
				color          TEXT NOT NULL DEFAULT '',
				linked_name    TEXT NOT NULL DEFAULT '',
				created_at     INTEGER NOT NULL
			)`},
		{"service_runs", `
			CREATE TABLE IF NOT EXISTS service_runs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				service_id  TEXT NOT NULL REFERENCES services(id) ON DELETE CASCADE,
				session_id  INTEGER NOT NULL,
				status      TEXT NOT NULL,
				started_at  INTEGER NOT NULL,
				stopped_at  INTEGER NOT NULL DEFAULT 0,
				exit_reason TEXT NOT NULL DEFAULT ''
			)`},
		{"service_runs index", `
			CREATE INDEX IF NOT EXISTS idx_service_runs_service
			ON service_runs(service_id, started_at)`},
		{"session_states", `
			CREATE TABLE IF NOT EXISTS session_states (
				session_id INTEGER PRIMARY KEY,
				owner_kind TEXT NOT NULL DEFAULT '',
				owner_id   TEXT NOT NULL DEFAULT '',
				state      TEXT NOT NULL,
				changed_at INTEGER NOT NULL
			)`},
	}
	for _, tbl := range tables {
		if _, err := tx.Exec(tbl.ddl); err != nil {
			return fmt.Errorf("statedb: create %s: %w", tbl.name, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Services ---

// SaveService inserts or replaces a service definition.
func (s *StateDB) SaveService(row *ServiceRow) error {
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO services (id, display_name, launch_command, working_dir, color, linked_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			launch_command = excluded.launch_command,
			working_dir = excluded.working_dir,
			color = excluded.color,
			linked_name = excluded.linked_name
	`,
		row.ID, row.DisplayName, row.LaunchCommand, row.WorkingDir,
		row.Color, row.LinkedName, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("statedb: save service %s: %w", row.ID, err)
	}
	return nil
}

// LoadServices returns all service definitions ordered by creation time.
func (s *StateDB) LoadServices() ([]*ServiceRow, error) {
	rows, err := s.db.Query(`
		SELECT id, display_name, launch_command, working_dir, color, linked_name, created_at
		FROM services ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("statedb: load services: %w", err)
	}
	defer rows.Close()

	var out []*ServiceRow
	for rows.Next() {
		r := &ServiceRow{}
		var created int64
		if err := rows.Scan(&r.ID, &r.DisplayName, &r.LaunchCommand, &r.WorkingDir,
			&r.Color, &r.LinkedName, &created); err != nil {
			return nil, fmt.Errorf("statedb: scan service: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteService removes a service definition and, through the foreign key,
// its run history. It reports whether a row was deleted.
func (s *StateDB) DeleteService(id string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM services WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("statedb: delete service %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- Runs ---

// InsertRun records the start of a service run and returns its id.
func (s *StateDB) InsertRun(row *RunRow) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO service_runs (service_id, session_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, row.ServiceID, row.SessionID, row.Status, row.StartedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: insert run for %s: %w", row.ServiceID, err)
	}
	return res.LastInsertId()
}

// FinishRun records how a run ended.
func (s *StateDB) FinishRun(id int64, status, reason string, stoppedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE service_runs SET status = ?, exit_reason = ?, stopped_at = ? WHERE id = ?
	`, status, reason, stoppedAt.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("statedb: finish run %d: %w", id, err)
	}
	return nil
}

// ListRuns returns the most recent runs of a service, newest first.
func (s *StateDB) ListRuns(serviceID string, limit int) ([]*RunRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, service_id, session_id, status, started_at, stopped_at, exit_reason
		FROM service_runs WHERE service_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?
	`, serviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("statedb: list runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRow
	for rows.Next() {
		r := &RunRow{}
		var started, stopped int64
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.SessionID, &r.Status,
			&started, &stopped, &r.ExitReason); err != nil {
			return nil, fmt.Errorf("statedb: scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		if stopped > 0 {
			r.StoppedAt = time.UnixMilli(stopped)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkOrphanedRuns closes runs left "running" by a previous process.
func (s *StateDB) MarkOrphanedRuns(reason string) (int64, error) {
	res, err := s.db.Exec(`
		UPDATE service_runs SET status = 'errored', exit_reason = ?, stopped_at = ?
		WHERE status IN ('starting', 'running')
	`, reason, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("statedb: mark orphaned runs: %w", err)
	}
	return res.RowsAffected()
}

// --- Session states ---

// WriteSessionState upserts the last known state of a session.
func (s *StateDB) WriteSessionState(row *SessionStateRow) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO session_states (session_id, owner_kind, owner_id, state, changed_at)
		VALUES (?, ?, ?, ?, ?)
	`, row.SessionID, row.OwnerKind, row.OwnerID, row.State, row.ChangedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("statedb: write session state %d: %w", row.SessionID, err)
	}
	return nil
}

// DeleteSessionState removes a closed session's row.
func (s *StateDB) DeleteSessionState(sessionID uint32) error {
	_, err := s.db.Exec("DELETE FROM session_states WHERE session_id = ?", sessionID)
	return err
}

// ReadSessionStates returns every stored session state keyed by session id.
func (s *StateDB) ReadSessionStates() (map[uint32]SessionStateRow, error) {
	rows, err := s.db.Query(`SELECT session_id, owner_kind, owner_id, state, changed_at FROM session_states`)
	if err != nil {
		return nil, fmt.Errorf("statedb: read session states: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32]SessionStateRow)
	for rows.Next() {
		var r SessionStateRow
		var changed int64
		if err := rows.Scan(&r.SessionID, &r.OwnerKind, &r.OwnerID, &r.State, &changed); err != nil {
			return nil, fmt.Errorf("statedb: scan session state: %w", err)
		}
		r.ChangedAt = time.UnixMilli(changed)
		out[r.SessionID] = r
	}
	return out, rows.Err()
}

// ClearSessionStates removes all session rows; ids do not survive a restart.
func (s *StateDB) ClearSessionStates() error {
	_, err := s.db.Exec("DELETE FROM session_states")
	return err
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
