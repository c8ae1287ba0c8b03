package engine

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a local agent used when no engine credentials are configured. It
// greets, treats every utteranceFrames audio frames as a finished utterance
// and speaks injected messages as text plus a short silent frame.
type Mock struct{}

var _ Connector = Mock{}

const utteranceFrames = 24

func (Mock) Connect(ctx context.Context, settings Settings, functions []Function) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectFailed(err)
	}
	s := &mockSession{
		events:     make(chan Event, 128),
		outputRate: settings.OutputSampleRate,
		functions:  len(functions),
	}
	s.emit(Event{Type: EventWelcome})
	s.emit(Event{Type: EventSettingsApplied})
	if settings.Greeting != "" {
		s.speak(settings.Greeting)
	}
	return s, nil
}

type mockSession struct {
	mu         sync.Mutex
	events     chan Event
	closed     bool
	frames     int
	outputRate int
	functions  int
	responses  []string
}

func (s *mockSession) Events() <-chan Event { return s.events }

func (s *mockSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.frames++
	n := s.frames
	s.mu.Unlock()

	if n%utteranceFrames == 1 {
		s.emit(Event{Type: EventUserStartedSpeaking})
	}
	if n%utteranceFrames == 0 {
		s.emit(Event{Type: EventConversationText, Role: RoleUser, Content: "simulated voice input"})
		s.speak(fmt.Sprintf("I heard %d bytes of audio.", len(pcm)*utteranceFrames))
	}
	return nil
}

func (s *mockSession) SendFunctionResponse(_ context.Context, callID, name string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.responses = append(s.responses, callID+":"+name)
	return nil
}

func (s *mockSession) Inject(_ context.Context, text string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.speak(text)
	return nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockSession) speak(text string) {
	s.emit(Event{Type: EventAgentStartedSpeaking})
	s.emit(Event{Type: EventConversationText, Role: RoleAssistant, Content: text})
	rate := s.outputRate
	if rate <= 0 {
		rate = 24000
	}
	// 100ms of silence.
	s.emit(Event{Type: EventAudio, Audio: make([]byte, rate/10*2)})
	s.emit(Event{Type: EventAgentAudioDone})
}

func (s *mockSession) emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}
