// Package history keeps an append-only SQLite log of terminal outcomes.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pinchtab/autoapply/internal/session"

	_ "modernc.org/sqlite"
)

const defaultLimit = 100

type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; SQLite serialises anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	user_id TEXT,
	url TEXT NOT NULL,
	title TEXT,
	status TEXT NOT NULL,
	detail TEXT,
	applied INTEGER NOT NULL DEFAULT 0,
	job_limit INTEGER NOT NULL DEFAULT 0,
	at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_platform_at ON outcomes (platform, at);
`)
	return err
}

// RecordOutcome appends one outcome.
func (s *Store) RecordOutcome(ctx context.Context, o session.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (session_id, platform, user_id, url, title, status, detail, applied, job_limit, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID,
		o.Platform,
		o.UserID,
		o.URL,
		o.Title,
		string(o.Status),
		o.Detail,
		o.Applied,
		o.Limit,
		o.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

type Query struct {
	Platform  string
	SessionID string
	Status    session.Status
	Limit     int
}

// List returns matching outcomes, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]session.Outcome, error) {
	where := "WHERE 1=1"
	var args []any
	if q.Platform != "" {
		where += " AND platform = ?"
		args = append(args, q.Platform)
	}
	if q.SessionID != "" {
		where += " AND session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.Status != "" {
		where += " AND status = ?"
		args = append(args, string(q.Status))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, platform, user_id, url, title, status, detail, applied, job_limit, at
		FROM outcomes `+where+`
		ORDER BY at DESC, id DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []session.Outcome{}
	for rows.Next() {
		var (
			o             session.Outcome
			userID, title sql.NullString
			detail        sql.NullString
			status        string
			at            time.Time
		)
		if err := rows.Scan(&o.SessionID, &o.Platform, &userID, &o.URL, &title, &status, &detail, &o.Applied, &o.Limit, &at); err != nil {
			return nil, err
		}
		o.UserID = userID.String
		o.Title = title.String
		o.Detail = detail.String
		o.Status = session.Status(status)
		o.At = at
		out = append(out, o)
	}
	return out, rows.Err()
}

// Counts tallies outcomes by status for one platform, or all platforms when
// platform is empty.
func (s *Store) Counts(ctx context.Context, platform string) (map[session.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outcomes
		WHERE (? = '' OR platform = ?)
		GROUP BY status`, platform, platform)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[session.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[session.Status(status)] = n
	}
	return out, rows.Err()
}
