package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/errorsx"
)

const DefaultURL = "wss://agent.deepgram.com/v1/agent/converse"

var (
	ErrConnectionFailed = errors.New("engine connection failed")
	ErrClosed           = errors.New("engine connection closed")
)

// Session is a live conversation with the agent.
type Session interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendFunctionResponse(ctx context.Context, callID, name string, content map[string]any) error
	Inject(ctx context.Context, text string) error
	// Events is closed when the session ends.
	Events() <-chan Event
	Close() error
}

// Connector opens agent sessions.
type Connector interface {
	Connect(ctx context.Context, settings Settings, functions []Function) (Session, error)
}

// Dialer connects to the hosted voice agent over a websocket.
type Dialer struct {
	URL          string
	APIKey       string
	WriteTimeout time.Duration
	Log          *zap.SugaredLogger
}

var _ Connector = (*Dialer)(nil)

func (d *Dialer) Connect(ctx context.Context, settings Settings, functions []Function) (Session, error) {
	url := d.URL
	if url == "" {
		url = DefaultURL
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Token "+d.APIKey)
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%v (status %d)", err, resp.StatusCode)
		}
		return nil, connectFailed(err)
	}

	c := &Conn{
		ws:           ws,
		events:       make(chan Event, 128),
		applied:      make(chan error, 1),
		done:         make(chan struct{}),
		writeTimeout: d.WriteTimeout,
		log:          log,
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = 10 * time.Second
	}
	if err := c.writeJSON(settings.message(functions)); err != nil {
		_ = ws.Close()
		return nil, connectFailed(fmt.Errorf("send settings: %w", err))
	}
	go c.readLoop()

	select {
	case err := <-c.applied:
		if err != nil {
			_ = c.Close()
			return nil, connectFailed(err)
		}
	case <-ctx.Done():
		_ = c.Close()
		return nil, connectFailed(ctx.Err())
	}

	if settings.KeepAlive > 0 {
		go c.keepAlive(settings.KeepAlive)
	}
	log.Infow("engine connected",
		"listen_model", settings.ListenModel,
		"think", settings.ThinkProvider+"/"+settings.ThinkModel,
		"speak_model", settings.SpeakModel,
		"functions", len(functions),
	)
	return c, nil
}

func connectFailed(err error) error {
	return errorsx.Wrap(fmt.Errorf("%w: %v", ErrConnectionFailed, err), errorsx.ReasonEngineConnect)
}

// Conn is one agent websocket.
type Conn struct {
	ws           *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	log          *zap.SugaredLogger

	events    chan Event
	applied   chan error
	appliedMu sync.Once
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

func (c *Conn) Events() <-chan Event { return c.events }

func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(websocket.BinaryMessage, pcm)
}

// SendFunctionResponse answers a FunctionCallRequest entry. content is
// sent as a JSON-encoded string.
func (c *Conn) SendFunctionResponse(ctx context.Context, callID, name string, content map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return c.writeJSON(functionCallResponse{Type: "FunctionCallResponse", ID: callID, Name: name, Content: string(raw)})
}

// Inject asks the agent to say text.
func (c *Conn) Inject(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeJSON(injectAgentMessage{Type: "InjectAgentMessage", Message: text})
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

// Err is the failure that ended the session, nil after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) writeJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, raw)
}

func (c *Conn) write(kind int, data []byte) error {
	if c.closed() {
		return errorsx.Wrap(ErrClosed, errorsx.ReasonEngineClosed)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteMessage(kind, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("engine write: %w", err), errorsx.ReasonEngineSend)
	}
	return nil
}

func (c *Conn) signalApplied(err error) {
	c.appliedMu.Do(func() { c.applied <- err })
}

func (c *Conn) readLoop() {
	defer close(c.events)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			c.signalApplied(fmt.Errorf("connection ended before settings were applied: %w", err))
			return
		}

		var evt Event
		if kind == websocket.BinaryMessage {
			evt = Event{Type: EventAudio, Audio: data}
		} else {
			evt, err = ParseEvent(data)
			if err != nil {
				c.log.Warnw("ignoring agent message", "error", err)
				continue
			}
		}

		switch evt.Type {
		case EventSettingsApplied:
			c.signalApplied(nil)
		case EventError:
			c.log.Errorw("agent error", "code", evt.Code, "description", evt.Description)
			c.signalApplied(fmt.Errorf("agent error %s: %s", evt.Code, evt.Description))
		case EventWarning:
			c.log.Warnw("agent warning", "code", evt.Code, "description", evt.Description)
		}

		select {
		case c.events <- evt:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeJSON(keepAlive{Type: "KeepAlive"}); err != nil {
				c.log.Debugw("keep-alive failed", "error", err)
				return
			}
		}
	}
}
