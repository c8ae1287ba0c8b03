package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/engine"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
)

type stubEngine struct {
	events chan engine.Event

	mu        sync.Mutex
	audio     [][]byte
	responses []stubResponse
	injected  []string
	closed    bool
}

type stubResponse struct {
	callID  string
	name    string
	content map[string]any
}

func newStubEngine() *stubEngine {
	return &stubEngine{events: make(chan engine.Event, 32)}
}

func (e *stubEngine) SendAudio(_ context.Context, pcm []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return engine.ErrClosed
	}
	e.audio = append(e.audio, pcm)
	return nil
}

func (e *stubEngine) SendFunctionResponse(_ context.Context, callID, name string, content map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses = append(e.responses, stubResponse{callID: callID, name: name, content: content})
	return nil
}

func (e *stubEngine) Inject(_ context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.injected = append(e.injected, text)
	return nil
}

func (e *stubEngine) Events() <-chan engine.Event { return e.events }

func (e *stubEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *stubEngine) snapshot() (audio int, responses []stubResponse, injected []string, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.audio), append([]stubResponse(nil), e.responses...), append([]string(nil), e.injected...), e.closed
}

type stubConnector struct {
	session engine.Session
	err     error
}

func (c stubConnector) Connect(context.Context, engine.Settings, []engine.Function) (engine.Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

type stubBackend struct {
	events   chan backend.Event
	submitFn func(prompt string) (string, error)
	statusFn func() (backend.TaskStatus, error)
}

func (b *stubBackend) SubmitTask(_ context.Context, _, prompt string) (string, error) {
	if b.submitFn != nil {
		return b.submitFn(prompt)
	}
	return "t-1", nil
}

func (b *stubBackend) ConfirmStart(context.Context, string) error { return nil }
func (b *stubBackend) CancelTask(context.Context, string) error   { return nil }

func (b *stubBackend) GetProjectContext(_ context.Context, pid string) (backend.ProjectContext, error) {
	return backend.ProjectContext{ProjectID: pid}, nil
}

func (b *stubBackend) GetTaskStatus(context.Context, string) (backend.TaskStatus, error) {
	if b.statusFn != nil {
		return b.statusFn()
	}
	return backend.TaskStatus{}, nil
}

func (b *stubBackend) Subscribe(context.Context, string) (<-chan backend.Event, error) {
	return b.events, nil
}

type harness struct {
	t        *testing.T
	o        *Orchestrator
	sessions *session.Manager
	session  *session.Session
	engine   *stubEngine
	backend  *stubBackend
	inbound  chan any
	outbound chan any
	done     chan error
}

func startHarness(t *testing.T, connector engine.Connector, eng *stubEngine) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		sessions: session.NewManager(time.Minute, time.Minute),
		engine:   eng,
		backend:  &stubBackend{events: make(chan backend.Event, 8)},
		inbound:  make(chan any, 8),
		outbound: make(chan any, 64),
		done:     make(chan error, 1),
	}
	if connector == nil {
		connector = stubConnector{session: eng}
	}
	o := NewOrchestrator(h.sessions, connector, StaticBackend(h.backend), nil, nil, Config{ConnectTimeout: time.Second})
	h.o = o
	h.session = h.sessions.Create("u1", "p1", "")
	go func() {
		h.done <- o.RunConnection(context.Background(), h.session, h.inbound, h.outbound)
	}()
	return h
}

func (h *harness) expect(want protocol.MessageType) any {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.outbound:
			if messageType(msg) == want {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %q", want)
			return nil
		}
	}
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("RunConnection did not return")
		return nil
	}
}

func (h *harness) state() *session.Session {
	h.t.Helper()
	s, err := h.sessions.Get(h.session.ID)
	if err != nil {
		h.t.Fatalf("Get() error = %v", err)
	}
	return s
}

func messageType(msg any) protocol.MessageType {
	switch m := msg.(type) {
	case protocol.Ready:
		return m.Type
	case protocol.UserTranscript:
		return m.Type
	case protocol.AgentTranscript:
		return m.Type
	case protocol.TaskSubmitted:
		return m.Type
	case protocol.UserStartedSpeaking:
		return m.Type
	case protocol.AgentStartedSpeaking:
		return m.Type
	case protocol.StatusUpdate:
		return m.Type
	case protocol.ErrorEvent:
		return m.Type
	case protocol.AudioOut:
		return "audio"
	}
	return ""
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunConnectionRelaysAndStops(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())

	ready := h.expect(protocol.TypeReady).(protocol.Ready)
	if ready.SessionID != h.session.ID {
		t.Fatalf("ready session_id = %q, want %q", ready.SessionID, h.session.ID)
	}
	if got := h.state().State; got != session.StateActive {
		t.Fatalf("State = %q, want %q", got, session.StateActive)
	}

	h.inbound <- protocol.AudioIn{PCM: make([]byte, 8192)}
	eventually(t, func() bool { n, _, _, _ := h.engine.snapshot(); return n == 1 }, "audio relay")

	h.engine.events <- engine.Event{Type: engine.EventConversationText, Role: engine.RoleUser, Content: "build me a todo app"}
	if got := h.expect(protocol.TypeUserTranscript).(protocol.UserTranscript); got.Text != "build me a todo app" {
		t.Fatalf("user transcript = %q", got.Text)
	}
	h.engine.events <- engine.Event{Type: engine.EventAudio, Audio: []byte{1, 2}}
	h.expect("audio")
	h.engine.events <- engine.Event{Type: engine.EventUserStartedSpeaking}
	h.expect(protocol.TypeUserStartedSpeaking)

	h.inbound <- protocol.Stop{Type: protocol.TypeStop}
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}

	s := h.state()
	if s.State != session.StateClosed || s.Cause != session.CauseClientStop {
		t.Fatalf("session after stop = %+v", s)
	}
	if s.BargeIns != 1 {
		t.Fatalf("BargeIns = %d, want 1", s.BargeIns)
	}
	transcript, _ := h.sessions.Transcript(h.session.ID)
	if len(transcript) != 1 || transcript[0].Speaker != session.SpeakerUser {
		t.Fatalf("transcript = %+v", transcript)
	}
	if _, _, _, closed := h.engine.snapshot(); !closed {
		t.Fatalf("engine should be closed after stop")
	}
}

func TestRunConnectionSubmitTask(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	h.expect(protocol.TypeReady)

	h.engine.events <- engine.Event{
		Type: engine.EventFunctionCallRequest,
		Functions: []engine.FunctionCall{
			{ID: "call-1", Name: "submit_task", Arguments: `{"prompt":"build a todo app"}`, ClientSide: true},
			{ID: "call-2", Name: "server_only", ClientSide: false},
		},
	}
	if got := h.expect(protocol.TypeTaskSubmitted).(protocol.TaskSubmitted); got.Prompt != "build a todo app" {
		t.Fatalf("task_submitted prompt = %q", got.Prompt)
	}

	var responses []stubResponse
	eventually(t, func() bool { _, responses, _, _ = h.engine.snapshot(); return len(responses) > 0 }, "function response")
	if len(responses) != 1 {
		t.Fatalf("responses = %+v, want exactly one", responses)
	}
	r := responses[0]
	if r.callID != "call-1" || r.content["status"] != "submitted" || r.content["task_id"] != "t-1" {
		t.Fatalf("response = %+v", r)
	}

	close(h.inbound)
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if got := h.state().Cause; got != session.CauseTransportClosed {
		t.Fatalf("Cause = %q, want %q", got, session.CauseTransportClosed)
	}
}

func TestRunConnectionSpeaksNotifications(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	calls := 0
	h.backend.statusFn = func() (backend.TaskStatus, error) {
		calls++
		if calls == 1 {
			return backend.TaskStatus{Total: 4, Completed: 2, Running: 1}, nil
		}
		return backend.TaskStatus{}, errors.New("backend down")
	}
	h.expect(protocol.TypeReady)

	h.backend.events <- backend.Event{Kind: backend.EventDecomposeProgress, Payload: map[string]any{"task_count": float64(3)}}
	h.backend.events <- backend.Event{Kind: backend.EventActivateAgent}
	h.backend.events <- backend.Event{Kind: backend.EventTaskState, Payload: map[string]any{"state": "completed"}}
	h.backend.events <- backend.Event{Kind: backend.EventTaskState, Payload: map[string]any{"state": "completed"}}

	want := []string{
		"I've broken this into 3 tasks. Ready to start?",
		"2 of 4 done.",
		"A task completed.",
	}
	var injected []string
	eventually(t, func() bool { _, _, injected, _ = h.engine.snapshot(); return len(injected) == len(want) }, "notifications")
	for i := range want {
		if injected[i] != want[i] {
			t.Fatalf("injected[%d] = %q, want %q", i, injected[i], want[i])
		}
	}
	if got := h.expect(protocol.TypeStatusUpdate).(protocol.StatusUpdate); got.Total != 4 || got.Completed != 2 {
		t.Fatalf("status update = %+v", got)
	}

	h.inbound <- protocol.Stop{Type: protocol.TypeStop}
	_ = h.wait()
}

func TestRunConnectionConnectFailure(t *testing.T) {
	h := startHarness(t, stubConnector{err: engine.ErrConnectionFailed}, newStubEngine())

	evt := h.expect(protocol.TypeError).(protocol.ErrorEvent)
	if evt.Source != "engine" || evt.Code != "engine_connection_failed" {
		t.Fatalf("error event = %+v", evt)
	}
	if err := h.wait(); !errors.Is(err, engine.ErrConnectionFailed) {
		t.Fatalf("RunConnection() error = %v, want %v", err, engine.ErrConnectionFailed)
	}
	s := h.state()
	if s.State != session.StateClosed || s.Cause != session.CauseConnectFailed {
		t.Fatalf("session = %+v, want closed/connect_failed", s)
	}
}

func TestRunConnectionEngineClosed(t *testing.T) {
	eng := newStubEngine()
	h := startHarness(t, nil, eng)
	h.expect(protocol.TypeReady)

	close(eng.events)
	h.expect(protocol.TypeError)
	if err := h.wait(); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("RunConnection() error = %v, want %v", err, engine.ErrClosed)
	}
	if got := h.state().Cause; got != session.CauseEngineClosed {
		t.Fatalf("Cause = %q, want %q", got, session.CauseEngineClosed)
	}
}

func TestRunConnectionStoppedByRegistry(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	h.expect(protocol.TypeReady)

	// a second session for the same user supersedes the first
	h.sessions.Create("u1", "p2", "")
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	s := h.state()
	if s.State != session.StateClosed || s.Cause != session.CauseSuperseded {
		t.Fatalf("session = %+v, want closed/superseded", s)
	}
}

func TestRunConnectionFunctionErrorKeepsSession(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	h.backend.submitFn = func(string) (string, error) { return "", errors.New("boom") }
	h.expect(protocol.TypeReady)

	h.engine.events <- engine.Event{
		Type:      engine.EventFunctionCallRequest,
		Functions: []engine.FunctionCall{{ID: "c1", Name: "submit_task", Arguments: `{"prompt":"x"}`, ClientSide: true}},
	}
	var responses []stubResponse
	eventually(t, func() bool { _, responses, _, _ = h.engine.snapshot(); return len(responses) == 1 }, "error response")
	if msg, _ := responses[0].content["error"].(string); msg != "Failed to submit task: boom" {
		t.Fatalf("error content = %q", msg)
	}
	if got := h.state().State; got != session.StateActive {
		t.Fatalf("State = %q, want still active", got)
	}
	h.inbound <- protocol.Stop{Type: protocol.TypeStop}
	_ = h.wait()
}

func TestRunConnectionRefusesSecondDriver(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	h.expect(protocol.TypeReady)

	other := make(chan any)
	err := h.o.RunConnection(context.Background(), h.session, other, make(chan any, 4))
	if !errors.Is(err, session.ErrAlreadyAttached) {
		t.Fatalf("second RunConnection() error = %v, want %v", err, session.ErrAlreadyAttached)
	}
	if got := h.state().State; got != session.StateActive {
		t.Fatalf("State = %q, want first run still active", got)
	}

	if err := h.sessions.Stop(h.session.ID, session.CauseEnded); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if s := h.state(); s.State != session.StateClosed || s.Cause != session.CauseEnded {
		t.Fatalf("session = %+v, want closed/ended", s)
	}
}

func TestRunConnectionAbandonsStatusFetchOnStop(t *testing.T) {
	h := startHarness(t, nil, newStubEngine())
	release := make(chan struct{})
	defer close(release)
	fetching := make(chan struct{}, 1)
	h.backend.statusFn = func() (backend.TaskStatus, error) {
		fetching <- struct{}{}
		<-release
		return backend.TaskStatus{}, nil
	}
	h.expect(protocol.TypeReady)

	h.backend.events <- backend.Event{Kind: backend.EventTaskState, Payload: map[string]any{"state": "completed"}}
	select {
	case <-fetching:
	case <-time.After(2 * time.Second):
		t.Fatalf("status fetch never started")
	}

	_ = h.sessions.Stop(h.session.ID, session.CauseEnded)
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if s := h.state(); s.State != session.StateClosed || s.Cause != session.CauseEnded {
		t.Fatalf("session = %+v, want closed/ended", s)
	}
	if _, _, injected, _ := h.engine.snapshot(); len(injected) != 0 {
		t.Fatalf("injected = %v, want nothing after stop", injected)
	}
}

type blockingConnector struct{}

func (blockingConnector) Connect(ctx context.Context, _ engine.Settings, _ []engine.Function) (engine.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunConnectionHangupWhileConnecting(t *testing.T) {
	h := startHarness(t, blockingConnector{}, newStubEngine())
	eventually(t, func() bool { return h.state().State == session.StateConnecting }, "connecting state")

	close(h.inbound)
	if err := h.wait(); err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
	if s := h.state(); s.State != session.StateClosed || s.Cause != session.CauseTransportClosed {
		t.Fatalf("session = %+v, want closed/transport_closed", s)
	}
}
