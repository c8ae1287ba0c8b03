package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicebridge/internal/errorsx"
)

var ErrChannelClosed = errorsx.Wrap(errors.New("transport channel closed"), errorsx.ReasonChannelClosed)

// Kind distinguishes audio frames from control messages.
type Kind int

const (
	Binary Kind = iota
	Text
)

// Message is one frame received from the peer.
type Message struct {
	Kind Kind
	Data []byte
}

type Options struct {
	SendQueue    int
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	ReadLimit    int64
	PingInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		SendQueue:    256,
		WriteTimeout: 10 * time.Second,
		ReadTimeout:  120 * time.Second,
		ReadLimit:    2 << 20,
		PingInterval: 30 * time.Second,
	}
}

type outFrame struct {
	kind int
	data []byte
}

// Conn is a duplex websocket carrying binary audio and JSON control frames.
// Frames are delivered in order within each direction. A single goroutine
// owns all writes.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	out    chan outFrame
	in     chan Message
	closed chan struct{}
	done   chan struct{}

	open      atomic.Bool
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// New takes ownership of ws and starts its reader and writer.
func New(ws *websocket.Conn, opts Options) *Conn {
	def := DefaultOptions()
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	c := &Conn{
		ws:     ws,
		opts:   opts,
		out:    make(chan outFrame, opts.SendQueue),
		in:     make(chan Message, opts.SendQueue),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.open.Store(true)

	ws.SetReadLimit(opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop()
	}()
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		wg.Wait()
		close(c.done)
	}()
	return c
}

// Dial connects to a voice service endpoint.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return New(ws, opts), nil
}

// Recv yields received frames. It is closed once the transport closes.
func (c *Conn) Recv() <-chan Message {
	return c.in
}

// Open reports whether sends can still be accepted.
func (c *Conn) Open() bool {
	return c.open.Load()
}

func (c *Conn) SendBinary(data []byte) error {
	return c.enqueue(outFrame{kind: websocket.BinaryMessage, data: data})
}

func (c *Conn) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{kind: websocket.TextMessage, data: raw})
}

func (c *Conn) enqueue(f outFrame) error {
	if !c.open.Load() {
		return ErrChannelClosed
	}
	select {
	case <-c.closed:
		return ErrChannelClosed
	case c.out <- f:
		return nil
	}
}

// Close sends a close frame and releases the socket. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

// Done is closed after both the reader and writer have exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure that closed the transport, nil for a clean close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.closed)
	})
}

func (c *Conn) readLoop() {
	defer close(c.in)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(nil)
			} else {
				c.shutdown(err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

		msg := Message{Kind: Text, Data: data}
		if kind == websocket.BinaryMessage {
			msg.Kind = Binary
		}
		select {
		case c.in <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	var ping <-chan time.Time
	if c.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case <-c.closed:
			c.drain()
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.shutdown(err)
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// drain flushes frames accepted before the close so they are not lost.
func (c *Conn) drain() {
	for {
		select {
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
