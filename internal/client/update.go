package client

import (
	"github.com/ent0n29/voicebridge/internal/protocol"
)

type UpdateKind string

const (
	UpdateReady           UpdateKind = "ready"
	UpdateUserTranscript  UpdateKind = "user_transcript"
	UpdateAgentTranscript UpdateKind = "agent_transcript"
	UpdateTaskSubmitted   UpdateKind = "task_submitted"
	UpdateBargeIn         UpdateKind = "barge_in"
	UpdateAgentSpeaking   UpdateKind = "agent_speaking"
	UpdateStatus          UpdateKind = "status"
	UpdateError           UpdateKind = "error"
	UpdateClosed          UpdateKind = "closed"
)

// Update is what the UI renders. Device, engine and backend errors arrive
// on the same channel as transcripts.
type Update struct {
	Kind      UpdateKind
	SessionID string
	Text      string
	// Flushed is the number of playback entries cancelled by a barge-in.
	Flushed int
	Status  protocol.StatusUpdate
	Error   protocol.ErrorEvent
	// Err is the transport failure that closed the session, if any.
	Err error
}
