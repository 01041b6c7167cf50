// Package store handles SQLite persistence of session history.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/record"

	_ "modernc.org/sqlite" // SQLite driver.
)

// ErrNotFound is returned when no stored session matches a lookup.
var ErrNotFound = errors.New("session not found")

// Store wraps SQLite access for session data.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, path: path}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			total_keypresses INTEGER NOT NULL,
			skipped_lines INTEGER NOT NULL,
			released_events INTEGER NOT NULL,
			reconnects INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_key_counts (
			session_id TEXT NOT NULL,
			matrix_row INTEGER NOT NULL,
			matrix_col INTEGER NOT NULL,
			count INTEGER NOT NULL,
			PRIMARY KEY (session_id, matrix_row, matrix_col)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint replaces the stored state of a session with sess.
func (s *Store) Checkpoint(ctx context.Context, sess model.SessionData) error {
	if sess.SessionID == "" {
		return &record.PersistenceError{Op: "checkpoint session", Path: s.path, Err: errors.New("missing session id")}
	}
	if err := s.upsert(ctx, sess); err != nil {
		return &record.PersistenceError{Op: "checkpoint session", Path: s.path, Err: err}
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, sess model.SessionData) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	var endedAt any
	if sess.EndTime != nil {
		endedAt = sess.EndTime.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, device_id, started_at, ended_at, status, total_keypresses, skipped_lines, released_events, reconnects)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			status = excluded.status,
			total_keypresses = excluded.total_keypresses,
			skipped_lines = excluded.skipped_lines,
			released_events = excluded.released_events,
			reconnects = excluded.reconnects`,
		sess.SessionID,
		sess.DeviceID,
		sess.StartTime.UTC().Format(time.RFC3339Nano),
		endedAt,
		string(sess.Status),
		sess.TotalKeypresses,
		sess.SkippedLines,
		sess.ReleasedEvents,
		sess.Reconnects,
	)
	if err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM session_key_counts WHERE session_id = ?`, sess.SessionID); err != nil {
		return err
	}

	if len(sess.KeypressCounts) > 0 {
		stmt, perr := tx.PrepareContext(ctx,
			`INSERT INTO session_key_counts (session_id, matrix_row, matrix_col, count) VALUES (?, ?, ?, ?)`)
		if perr != nil {
			err = perr
			return err
		}
		defer func() {
			if cerr := stmt.Close(); cerr != nil {
				// Best-effort statement close.
				_ = cerr
			}
		}()
		for _, c := range sess.SortedCoords() {
			if _, err = stmt.ExecContext(ctx, sess.SessionID, c.Row, c.Col, sess.KeypressCounts[c]); err != nil {
				return err
			}
		}
	}

	err = tx.Commit()
	return err
}

// GetSession loads a stored session with its per-key counts.
func (s *Store) GetSession(ctx context.Context, id string) (model.SessionData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, started_at, ended_at, status, total_keypresses, skipped_lines, released_events, reconnects
		 FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return model.SessionData{}, err
	}
	counts, err := s.keyCounts(ctx, id)
	if err != nil {
		return model.SessionData{}, err
	}
	sess.KeypressCounts = counts
	return sess, nil
}

// LatestSession loads the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (model.SessionData, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionData{}, ErrNotFound
	}
	if err != nil {
		return model.SessionData{}, err
	}
	return s.GetSession(ctx, id)
}

// ListFilter narrows ListSessions.
type ListFilter struct {
	DeviceID string
	Since    *time.Time
	Limit    int
}

// ListSessions returns stored sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, filter ListFilter) ([]model.SessionSummary, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if filter.DeviceID != "" {
		clauses = append(clauses, "s.device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.Since != nil {
		clauses = append(clauses, "s.started_at >= ?")
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	limit := ""
	if filter.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, filter.Limit)
	}
	query := fmt.Sprintf(`SELECT s.id, s.device_id, s.started_at, s.ended_at, s.status, s.total_keypresses,
		(SELECT COUNT(*) FROM session_key_counts k WHERE k.session_id = s.id AND k.count > 0) AS unique_keys
		FROM sessions s
		WHERE %s
		ORDER BY s.started_at DESC, s.id DESC
		%s`, strings.Join(clauses, " AND "), limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var sessions []model.SessionSummary
	for rows.Next() {
		var sum model.SessionSummary
		var startedAt, status string
		var endedAt sql.NullString
		if err := rows.Scan(&sum.SessionID, &sum.DeviceID, &startedAt, &endedAt, &status, &sum.TotalKeypresses, &sum.UniqueKeys); err != nil {
			return nil, err
		}
		if sum.StartTime, sum.EndTime, err = parseTimes(startedAt, endedAt); err != nil {
			return nil, err
		}
		sum.Status = model.Status(status)
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (s *Store) keyCounts(ctx context.Context, id string) (map[model.Coord]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT matrix_row, matrix_col, count FROM session_key_counts WHERE session_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	counts := map[model.Coord]int{}
	for rows.Next() {
		var c model.Coord
		var n int
		if err := rows.Scan(&c.Row, &c.Col, &n); err != nil {
			return nil, err
		}
		counts[c] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (model.SessionData, error) {
	var sess model.SessionData
	var startedAt, status string
	var endedAt sql.NullString
	err := row.Scan(&sess.SessionID, &sess.DeviceID, &startedAt, &endedAt, &status,
		&sess.TotalKeypresses, &sess.SkippedLines, &sess.ReleasedEvents, &sess.Reconnects)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionData{}, ErrNotFound
	}
	if err != nil {
		return model.SessionData{}, err
	}
	if sess.StartTime, sess.EndTime, err = parseTimes(startedAt, endedAt); err != nil {
		return model.SessionData{}, err
	}
	sess.Status = model.Status(status)
	return sess, nil
}

func parseTimes(startedAt string, endedAt sql.NullString) (time.Time, *time.Time, error) {
	start, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return time.Time{}, nil, err
	}
	if !endedAt.Valid {
		return start, nil, nil
	}
	end, err := time.Parse(time.RFC3339Nano, endedAt.String)
	if err != nil {
		return time.Time{}, nil, err
	}
	return start, &end, nil
}
