package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session history in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS voice_session_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			cause TEXT NOT NULL DEFAULT '',
			at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_voice_session_events_session_at ON voice_session_events (session_id, at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	fill(&record)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_session_events (id, session_id, project_id, user_id, from_state, state, cause, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID,
		record.SessionID,
		record.ProjectID,
		record.UserID,
		record.From,
		record.State,
		record.Cause,
		record.At,
	)
	if err != nil {
		return fmt.Errorf("append session event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ForSession(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, project_id, user_id, from_state, state, cause, at
		 FROM voice_session_events WHERE session_id=$1 ORDER BY at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var items []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ProjectID, &r.UserID, &r.From, &r.State, &r.Cause, &r.At); err != nil {
			return nil, fmt.Errorf("scan session event: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
