package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/errorsx"
)

type agentFrame struct {
	kind int
	data []byte
}

// fakeAgent answers Settings with reply and records later frames.
func fakeAgent(t *testing.T, reply string, got chan<- agentFrame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		_, first, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(first, &env) != nil || env.Type != "Settings" {
			t.Errorf("first frame = %s, want Settings", first)
			return
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Welcome","request_id":"r1"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(reply))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ConversationText","role":"assistant","content":"Hi!"}`))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})

		for {
			kind, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case got <- agentFrame{kind: kind, data: data}:
			default:
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialer(srv *httptest.Server, key string) *Dialer {
	return &Dialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), APIKey: key}
}

func nextEvent(t *testing.T, s Session, want EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-s.Events():
			if !ok {
				t.Fatalf("events closed waiting for %s", want)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestDialerConnectAndExchange(t *testing.T) {
	got := make(chan agentFrame, 8)
	srv := fakeAgent(t, `{"type":"SettingsApplied"}`, got)
	settings := DefaultSettings()
	settings.KeepAlive = 0

	s, err := dialer(srv, "key").Connect(context.Background(), settings, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer s.Close()

	if evt := nextEvent(t, s, EventConversationText); evt.Role != RoleAssistant || evt.Content != "Hi!" {
		t.Fatalf("conversation text = %+v", evt)
	}
	if evt := nextEvent(t, s, EventAudio); len(evt.Audio) != 4 {
		t.Fatalf("audio = %v", evt.Audio)
	}

	ctx := context.Background()
	if err := s.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio() error = %v", err)
	}
	if err := s.SendFunctionResponse(ctx, "c1", "submit_task", map[string]any{"status": "submitted", "task_id": "t-1"}); err != nil {
		t.Fatalf("SendFunctionResponse() error = %v", err)
	}
	if err := s.Inject(ctx, "2 of 4 done."); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}

	frame := <-got
	if frame.kind != websocket.BinaryMessage || len(frame.data) != 2 {
		t.Fatalf("audio frame = %+v", frame)
	}

	frame = <-got
	var resp map[string]string
	if err := json.Unmarshal(frame.data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["type"] != "FunctionCallResponse" || resp["id"] != "c1" || resp["name"] != "submit_task" {
		t.Fatalf("function response = %v", resp)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(resp["content"]), &content); err != nil || content["task_id"] != "t-1" {
		t.Fatalf("content = %q (%v)", resp["content"], err)
	}

	frame = <-got
	if string(frame.data) != `{"type":"InjectAgentMessage","message":"2 of 4 done."}` {
		t.Fatalf("inject frame = %s", frame.data)
	}

	_ = s.Close()
	if err := s.SendAudio(ctx, []byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestDialerConnectFailures(t *testing.T) {
	srv := fakeAgent(t, `{"type":"Error","code":"INVALID_SETTINGS","description":"bad model"}`, make(chan agentFrame, 1))

	_, err := dialer(srv, "key").Connect(context.Background(), DefaultSettings(), nil)
	if !errors.Is(err, ErrConnectionFailed) || !errorsx.HasReason(err, errorsx.ReasonEngineConnect) {
		t.Fatalf("Connect() error = %v, want engine connection failure", err)
	}

	_, err = dialer(srv, "wrong").Connect(context.Background(), DefaultSettings(), nil)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() with bad key error = %v", err)
	}
}

func TestMockConnectorGreets(t *testing.T) {
	s, err := Mock{}.Connect(context.Background(), DefaultSettings(), nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if evt := nextEvent(t, s, EventConversationText); evt.Content != DefaultGreeting {
		t.Fatalf("greeting = %q", evt.Content)
	}
	if err := s.Inject(context.Background(), "All done. 3 tasks completed."); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	if evt := nextEvent(t, s, EventConversationText); evt.Content != "All done. 3 tasks completed." {
		t.Fatalf("injected text = %q", evt.Content)
	}
	_ = s.Close()
	_ = s.Close()
	if err := s.SendAudio(context.Background(), []byte{0, 0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudio() after Close error = %v", err)
	}
}
