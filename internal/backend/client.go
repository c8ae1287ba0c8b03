package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/errorsx"
	"github.com/ent0n29/voicebridge/internal/reliability"
)

var ErrCallFailed = errors.New("backend call failed")

// Backend is the task backend a voice session drives.
type Backend interface {
	SubmitTask(ctx context.Context, projectID, prompt string) (string, error)
	ConfirmStart(ctx context.Context, projectID string) error
	CancelTask(ctx context.Context, projectID string) error
	GetProjectContext(ctx context.Context, projectID string) (ProjectContext, error)
	GetTaskStatus(ctx context.Context, projectID string) (TaskStatus, error)
	// Subscribe opens the project's progress stream. The first connection
	// is made before returning; later drops are retried until ctx ends,
	// at which point the channel is closed.
	Subscribe(ctx context.Context, projectID string) (<-chan Event, error)
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d - %s", e.Op, e.StatusCode, body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrCallFailed }

type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
	// ReconnectBase and ReconnectCap bound the event stream retry delay.
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
}

// Client talks to the task backend over REST and server-sent events.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
	stream    *http.Client
	backoff   reliability.Backoff
	log       *zap.SugaredLogger
}

var _ Backend = (*Client)(nil)

func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		http:      &http.Client{Timeout: cfg.Timeout},
		// The event stream is long-lived; its lifetime is bounded by ctx.
		stream:  &http.Client{},
		backoff: reliability.Backoff{Base: cfg.ReconnectBase, Cap: cfg.ReconnectCap},
		log:     log,
	}
}

func (c *Client) SubmitTask(ctx context.Context, projectID, prompt string) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	body := map[string]string{"project_id": projectID, "question": prompt}
	if err := c.do(ctx, "submit task", http.MethodPost, "/chat", body, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

func (c *Client) ConfirmStart(ctx context.Context, projectID string) error {
	return c.do(ctx, "confirm start", http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/confirm", nil, nil)
}

func (c *Client) CancelTask(ctx context.Context, projectID string) error {
	return c.do(ctx, "cancel task", http.MethodPost, "/chat/"+url.PathEscape(projectID)+"/cancel", nil, nil)
}

func (c *Client) GetProjectContext(ctx context.Context, projectID string) (ProjectContext, error) {
	var out ProjectContext
	err := c.do(ctx, "get project context", http.MethodGet, "/project/"+url.PathEscape(projectID)+"/context", nil, &out)
	if out.ProjectID == "" {
		out.ProjectID = projectID
	}
	return out, err
}

func (c *Client) GetTaskStatus(ctx context.Context, projectID string) (TaskStatus, error) {
	var out TaskStatus
	err := c.do(ctx, "get task status", http.MethodGet, "/chat/"+url.PathEscape(projectID)+"/status", nil, &out)
	return out, err
}

func (c *Client) Subscribe(ctx context.Context, projectID string) (<-chan Event, error) {
	body, err := c.openStream(ctx, projectID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonBackendSubscribe)
	}
	out := make(chan Event, 32)
	go c.follow(ctx, projectID, body, out)
	return out, nil
}

func (c *Client) follow(ctx context.Context, projectID string, body io.ReadCloser, out chan<- Event) {
	defer close(out)
	backoff := c.backoff
	for {
		err := c.pump(ctx, body, out)
		_ = body.Close()
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff.Reset()
			c.log.Infow("event stream ended, reconnecting", "project_id", projectID)
			if !sleepCtx(ctx, backoff.Base) {
				return
			}
		} else {
			delay := backoff.Next()
			c.log.Warnw("event stream dropped", "project_id", projectID, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
		}

		for {
			body, err = c.openStream(ctx, projectID)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Next()
			c.log.Warnw("event stream reconnect failed", "project_id", projectID, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
}

func (c *Client) pump(ctx context.Context, body io.Reader, out chan<- Event) error {
	r := newSSEReader(body)
	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.Event == "" {
			continue
		}
		evt := Event{Kind: EventKind(frame.Event)}
		if strings.TrimSpace(frame.Data) != "" {
			if err := json.Unmarshal([]byte(frame.Data), &evt.Payload); err != nil {
				c.log.Debugw("dropping event with undecodable payload", "kind", frame.Event, "error", err)
				continue
			}
		}
		select {
		case out <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) openStream(ctx context.Context, projectID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/chat/"+url.PathEscape(projectID)+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe events: %v", ErrCallFailed, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Op: "subscribe events", StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp.Body, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("%w: %s: %v", ErrCallFailed, op, err), errorsx.ReasonBackendCall)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errorsx.Wrap(&StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}, errorsx.ReasonBackendCall)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errorsx.Wrap(fmt.Errorf("%w: %s: decode response: %v", ErrCallFailed, op, err), errorsx.ReasonBackendCall)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return req, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
