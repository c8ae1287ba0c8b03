package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names the agent's server messages. EventAudio marks a binary
// speech frame.
type EventType string

const (
	EventWelcome              EventType = "Welcome"
	EventSettingsApplied      EventType = "SettingsApplied"
	EventConversationText     EventType = "ConversationText"
	EventHistory              EventType = "History"
	EventUserStartedSpeaking  EventType = "UserStartedSpeaking"
	EventAgentThinking        EventType = "AgentThinking"
	EventAgentStartedSpeaking EventType = "AgentStartedSpeaking"
	EventAgentAudioDone       EventType = "AgentAudioDone"
	EventFunctionCallRequest  EventType = "FunctionCallRequest"
	EventFunctionCallResponse EventType = "FunctionCallResponse"
	EventPromptUpdated        EventType = "PromptUpdated"
	EventSpeakUpdated         EventType = "SpeakUpdated"
	EventInjectionRefused     EventType = "InjectionRefused"
	EventError                EventType = "Error"
	EventWarning              EventType = "Warning"

	EventAudio EventType = "Audio"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FunctionCall is one entry of a FunctionCallRequest.
type FunctionCall struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	ClientSide bool   `json:"client_side"`
}

// Event is a decoded agent message.
type Event struct {
	Type EventType

	Audio []byte

	// ConversationText
	Role    string
	Content string

	Functions []FunctionCall

	// Error, Warning
	Code        string
	Description string

	// InjectionRefused
	Message string
}

type wireEvent struct {
	Type        EventType      `json:"type"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Functions   []FunctionCall `json:"functions"`
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Message     string         `json:"message"`
}

var errUnknownEvent = errors.New("unknown agent message type")

// ParseEvent decodes a text frame from the agent.
func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, fmt.Errorf("decode agent message: %w", err)
	}
	evt := Event{
		Type:        w.Type,
		Role:        w.Role,
		Content:     w.Content,
		Functions:   w.Functions,
		Code:        w.Code,
		Description: w.Description,
		Message:     w.Message,
	}
	switch w.Type {
	case EventWelcome, EventSettingsApplied, EventConversationText, EventHistory,
		EventUserStartedSpeaking, EventAgentThinking, EventAgentStartedSpeaking,
		EventAgentAudioDone, EventFunctionCallRequest, EventFunctionCallResponse,
		EventPromptUpdated, EventSpeakUpdated, EventInjectionRefused,
		EventError, EventWarning:
		return evt, nil
	}
	return evt, fmt.Errorf("%w: %q", errUnknownEvent, w.Type)
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type injectAgentMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type keepAlive struct {
	Type string `json:"type"`
}
