// Package store persists session transitions and command history to
// SQLite and mirrors hot session state into Redis for cheap lookups.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/harun/drover/internal/observability"
	"github.com/harun/drover/pkg/dispatch"
	"github.com/harun/drover/pkg/driver"
	"github.com/harun/drover/pkg/session"
)

// schemaVersion is stamped into PRAGMA user_version; bump it together
// with any schema change that needs a migration.
const schemaVersion = 1

// Store is the durable SQLite-backed record of sessions and commands
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and prepares the schema
func Open(path string) (*Store, error) {
	observability.EnsureRegistered()

	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set schema version: %w", err)
	}

	log.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		owner_token TEXT NOT NULL,
		engine TEXT NOT NULL,
		cdp_url TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON session_transitions(session_id, at);

	CREATE TABLE IF NOT EXISTS command_history (
		command_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		result TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commands_session ON command_history(session_id, submitted_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// RecordTransition appends one session state change
func (s *Store) RecordTransition(t session.Transition) error {
	_, err := s.db.Exec(`
		INSERT INTO session_transitions (session_id, owner_token, engine, cdp_url, state, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.OwnerToken, t.Engine, t.Endpoint, string(t.Status), t.At,
	)
	observability.RecordStoreWrite("session_transitions", err)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecordCommand appends one completed command
func (s *Store) RecordCommand(rec dispatch.CommandRecord) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO command_history
			(command_id, session_id, kind, result, error_code, attempts, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.SessionID, string(rec.Kind), rec.Result,
		rec.ErrorCode, rec.Attempts, rec.SubmittedAt, rec.CompletedAt,
	)
	observability.RecordStoreWrite("command_history", err)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// LatestStates returns each session's most recent transition, for
// restart reconciliation. The endpoint comes from the last transition
// that carried one, since teardown transitions record it empty.
func (s *Store) LatestStates() ([]session.PersistedSession, error) {
	rows, err := s.db.Query(`
		SELECT t.session_id, t.owner_token, t.engine, t.state,
			COALESCE((
				SELECT e.cdp_url FROM session_transitions e
				WHERE e.session_id = t.session_id AND e.cdp_url != ''
				ORDER BY e.id DESC LIMIT 1
			), '') AS cdp_url
		FROM session_transitions t
		WHERE t.id = (
			SELECT MAX(id) FROM session_transitions x WHERE x.session_id = t.session_id
		)`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest states: %w", err)
	}
	defer rows.Close()

	var out []session.PersistedSession
	for rows.Next() {
		var p session.PersistedSession
		var state string
		if err := rows.Scan(&p.SessionID, &p.OwnerToken, &p.Engine, &state, &p.Endpoint); err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		p.Status = session.Status(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SessionHistory returns a session's transitions in order
func (s *Store) SessionHistory(sessionID string) ([]session.Transition, error) {
	rows, err := s.db.Query(`
		SELECT session_id, owner_token, engine, cdp_url, state, at
		FROM session_transitions
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []session.Transition
	for rows.Next() {
		var t session.Transition
		var state string
		if err := rows.Scan(&t.SessionID, &t.OwnerToken, &t.Engine, &t.Endpoint, &state, &t.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.Status = session.Status(state)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CommandHistory returns a session's completed commands, newest first
func (s *Store) CommandHistory(sessionID string, limit int) ([]dispatch.CommandRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT command_id, session_id, kind, result, error_code, attempts, submitted_at, completed_at
		FROM command_history
		WHERE session_id = ?
		ORDER BY submitted_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query command history: %w", err)
	}
	defer rows.Close()

	var out []dispatch.CommandRecord
	for rows.Next() {
		var rec dispatch.CommandRecord
		var kind string
		if err := rows.Scan(&rec.CommandID, &rec.SessionID, &kind, &rec.Result,
			&rec.ErrorCode, &rec.Attempts, &rec.SubmittedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		rec.Kind = driver.CommandKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes history older than the cutoff and returns rows removed
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	var total int64
	res, err := s.db.Exec(`DELETE FROM session_transitions WHERE at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transitions: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM command_history WHERE completed_at < ?`, olderThan)
	if err != nil {
		return total, fmt.Errorf("failed to prune commands: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}
