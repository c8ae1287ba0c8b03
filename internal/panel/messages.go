package panel

import "github.com/ent0n29/voicebridge/internal/client"

// UpdateMsg wraps one update from the voice session.
type UpdateMsg struct {
	Update client.Update
}

// ClosedMsg is sent once the session's update stream ends.
type ClosedMsg struct{}

// StoppedMsg is sent after a stop requested from the keyboard completed.
type StoppedMsg struct{}

// ClearErrorMsg clears a transient error after a timeout.
type ClearErrorMsg struct{}
