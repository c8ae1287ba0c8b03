package history

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session history in a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS voice_session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			at REAL NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_voice_session_events_session_at ON voice_session_events (session_id, at);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, record Record) error {
	fill(&record)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_session_events (id, session_id, project_id, user_id, from_state, state, cause, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.SessionID, record.ProjectID, record.UserID,
		record.From, record.State, record.Cause, unixSeconds(record.At))
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ForSession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, project_id, user_id, from_state, state, cause, at
		FROM voice_session_events
		WHERE session_id = ?
		ORDER BY at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var r Record
		var at float64
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProjectID, &r.UserID,
			&r.From, &r.State, &r.Cause, &at); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		r.At = timeFromUnix(at)
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
