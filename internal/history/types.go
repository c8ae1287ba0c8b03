package history

import (
	"context"
	"time"
)

// Record is one session lifecycle step.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	From      string    `json:"from,omitempty"`
	State     string    `json:"state"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

// Store persists session lifecycle history. Transcripts are not stored.
type Store interface {
	Append(ctx context.Context, record Record) error
	ForSession(ctx context.Context, sessionID string) ([]Record, error)
	Close() error
}
