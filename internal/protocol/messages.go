package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the text frames exchanged with voice clients.
// Binary frames carry raw PCM16LE audio and have no envelope.
type MessageType string

const (
	TypeReady                MessageType = "ready"
	TypeUserTranscript       MessageType = "user_transcript"
	TypeAgentTranscript      MessageType = "agent_transcript"
	TypeTaskSubmitted        MessageType = "task_submitted"
	TypeUserStartedSpeaking  MessageType = "user_started_speaking"
	TypeAgentStartedSpeaking MessageType = "agent_started_speaking"
	TypeStatusUpdate         MessageType = "status_update"
	TypeError                MessageType = "error"
	TypeStop                 MessageType = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type Ready struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
}

type UserTranscript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type AgentTranscript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type TaskSubmitted struct {
	Type   MessageType `json:"type"`
	Prompt string      `json:"prompt"`
}

// UserStartedSpeaking tells the client to flush playback.
type UserStartedSpeaking struct {
	Type MessageType `json:"type"`
}

type AgentStartedSpeaking struct {
	Type MessageType `json:"type"`
}

type StatusUpdate struct {
	Type        MessageType `json:"type"`
	Total       int         `json:"total"`
	Completed   int         `json:"completed"`
	Running     int         `json:"running"`
	Failed      int         `json:"failed"`
	CurrentTask string      `json:"current_task,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail,omitempty"`
}

type Stop struct {
	Type MessageType `json:"type"`
}

// AudioIn is a binary microphone frame received from the client.
type AudioIn struct {
	PCM []byte
}

// AudioOut is a binary speech frame for the client.
type AudioOut struct {
	PCM []byte
}

func NewReady(sessionID string) Ready {
	return Ready{Type: TypeReady, SessionID: sessionID}
}

func NewUserTranscript(text string) UserTranscript {
	return UserTranscript{Type: TypeUserTranscript, Text: text}
}

func NewAgentTranscript(text string) AgentTranscript {
	return AgentTranscript{Type: TypeAgentTranscript, Text: text}
}

func NewTaskSubmitted(prompt string) TaskSubmitted {
	return TaskSubmitted{Type: TypeTaskSubmitted, Prompt: prompt}
}

func NewError(code, source, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Source: source, Detail: detail, Retryable: retryable}
}

// ParseClientMessage decodes a text frame sent by a voice client.
func ParseClientMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case TypeStop:
		return Stop{Type: TypeStop}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// ParseServerMessage decodes a text frame sent by the service.
func ParseServerMessage(raw []byte) (any, error) {
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var msg any
	switch env.Type {
	case TypeReady:
		msg = &Ready{}
	case TypeUserTranscript:
		msg = &UserTranscript{}
	case TypeAgentTranscript:
		msg = &AgentTranscript{}
	case TypeTaskSubmitted:
		msg = &TaskSubmitted{}
	case TypeUserStartedSpeaking:
		return UserStartedSpeaking{Type: env.Type}, nil
	case TypeAgentStartedSpeaking:
		return AgentStartedSpeaking{Type: env.Type}, nil
	case TypeStatusUpdate:
		msg = &StatusUpdate{}
	case TypeError:
		msg = &ErrorEvent{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}

	switch m := msg.(type) {
	case *Ready:
		return *m, nil
	case *UserTranscript:
		return *m, nil
	case *AgentTranscript:
		return *m, nil
	case *TaskSubmitted:
		return *m, nil
	case *StatusUpdate:
		return *m, nil
	case *ErrorEvent:
		return *m, nil
	}
	return nil, ErrUnsupportedType
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("invalid envelope: missing type")
	}
	return env, nil
}
