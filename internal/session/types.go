package session

import "time"

// State is a step of the session lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateStopping   State = "stopping"
	StateClosed     State = "closed"
)

// Cause records why a session left the active path.
type Cause string

const (
	CauseNone            Cause = ""
	CauseClientStop      Cause = "client_stop"
	CauseTransportClosed Cause = "transport_closed"
	CauseEngineClosed    Cause = "engine_closed"
	CauseConnectFailed   Cause = "connect_failed"
	CauseEnded           Cause = "ended"
	CauseSuperseded      Cause = "superseded"
	CauseExpired         Cause = "expired"
	CauseShutdown        Cause = "shutdown"
)

type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// TranscriptEntry is immutable once appended.
type TranscriptEntry struct {
	ID      string    `json:"id"`
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"timestamp"`
}

type Session struct {
	ID             string     `json:"session_id"`
	ProjectID      string     `json:"project_id"`
	UserID         string     `json:"user_id"`
	AuthToken      string     `json:"-"`
	State          State      `json:"state"`
	Cause          Cause      `json:"cause,omitempty"`
	BargeIns       int        `json:"barge_ins"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
}

// Live reports whether the session still owns resources.
func (s *Session) Live() bool {
	return s.State != StateClosed
}

// Transition describes one lifecycle step. It is handed to the transition
// hook after the registry lock is released.
type Transition struct {
	SessionID string
	ProjectID string
	UserID    string
	From      State
	To        State
	Cause     Cause
	At        time.Time
}

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	AuthToken string `json:"auth_token"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	ProjectID       string    `json:"project_id"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
