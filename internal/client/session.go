package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/audio"
	"github.com/ent0n29/voicebridge/internal/errorsx"
	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/transport"
)

var (
	ErrConnectFailed  = errorsx.Wrap(errors.New("voice service unreachable"), errorsx.ReasonEngineConnect)
	ErrAlreadyStarted = errors.New("voice session already started")
)

type Options struct {
	// URL is the service stream endpoint, see config.ClientConfig.StreamURL.
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	Transport      transport.Options

	Source  audio.Source
	Capture audio.CaptureConfig
	Sink    audio.Sink
	Clock   audio.Clock

	// RecordPath, when set, receives the captured microphone audio as WAV
	// once the session ends.
	RecordPath string
	// UpdateBuffer bounds the Updates channel; updates beyond it are dropped.
	UpdateBuffer int

	Log *zap.SugaredLogger
}

// Session is the client half of a voice conversation: microphone frames go
// out, speech is scheduled for playback and server events become Updates.
type Session struct {
	opts     Options
	log      *zap.SugaredLogger
	player   *audio.Scheduler
	recorder *audio.Recorder

	updates chan Update
	done    chan struct{}

	mu         sync.Mutex
	state      session.State
	sessionID  string
	conn       *transport.Conn
	capture    *audio.CaptureEncoder
	cancel     context.CancelFunc
	transcript []session.TranscriptEntry
	closed     bool

	stopOnce sync.Once
}

func New(opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = 128
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Session{
		opts:    opts,
		log:     log,
		updates: make(chan Update, opts.UpdateBuffer),
		done:    make(chan struct{}),
		state:   session.StateIdle,
	}
	if opts.Sink != nil {
		s.player = audio.NewScheduler(opts.Sink, opts.Clock, log)
	}
	if opts.RecordPath != "" {
		s.recorder = audio.NewRecorder(0)
	}
	return s
}

// Start connects to the service. Capture begins once the service reports
// ready. A failed connect leaves the session closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != session.StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = session.StateConnecting
	s.mu.Unlock()

	dialCtx, cancelDial := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	conn, err := transport.Dial(dialCtx, s.opts.URL, s.opts.Header, s.opts.Transport)
	cancelDial()
	if err != nil {
		s.log.Debugw("voice service dial failed", "url", policy.RedactURL(s.opts.URL), "error", err)
		s.finish(nil)
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx, conn)
	return nil
}

func (s *Session) Updates() <-chan Update { return s.updates }

// Done is closed once the session is closed. Updates is closed just before.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Transcript returns the conversation so far, oldest first.
func (s *Session) Transcript() []session.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Stop asks the service to end the session and releases the microphone and
// speaker. Calling it again is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil && conn.Open() {
		if err := conn.SendJSON(protocol.Stop{Type: protocol.TypeStop}); err != nil {
			s.log.Debugw("stop message not sent", "error", err)
		}
	}
	s.finish(nil)
}

func (s *Session) run(ctx context.Context, conn *transport.Conn) {
	for msg := range conn.Recv() {
		if msg.Kind == transport.Binary {
			s.play(msg.Data)
			continue
		}
		parsed, err := protocol.ParseServerMessage(msg.Data)
		if err != nil {
			s.log.Warnw("ignoring server message", "error", err)
			continue
		}
		s.handle(ctx, conn, parsed)
	}
	s.finish(conn.Err())
}

func (s *Session) handle(ctx context.Context, conn *transport.Conn, msg any) {
	switch m := msg.(type) {
	case protocol.Ready:
		s.mu.Lock()
		s.sessionID = m.SessionID
		if s.state == session.StateConnecting {
			s.state = session.StateActive
		}
		s.mu.Unlock()
		s.log.Infow("voice session ready", "session_id", m.SessionID)
		s.emit(Update{Kind: UpdateReady, SessionID: m.SessionID})
		go s.startCapture(ctx, conn)

	case protocol.UserTranscript:
		s.appendTranscript(session.SpeakerUser, m.Text)
		s.emit(Update{Kind: UpdateUserTranscript, Text: m.Text})

	case protocol.AgentTranscript:
		s.appendTranscript(session.SpeakerAgent, m.Text)
		s.emit(Update{Kind: UpdateAgentTranscript, Text: m.Text})

	case protocol.TaskSubmitted:
		s.emit(Update{Kind: UpdateTaskSubmitted, Text: m.Prompt})

	case protocol.UserStartedSpeaking:
		n := 0
		if s.player != nil {
			n = s.player.Flush()
		}
		s.emit(Update{Kind: UpdateBargeIn, Flushed: n})

	case protocol.AgentStartedSpeaking:
		s.emit(Update{Kind: UpdateAgentSpeaking})

	case protocol.StatusUpdate:
		s.emit(Update{Kind: UpdateStatus, Status: m})

	case protocol.ErrorEvent:
		s.log.Warnw("service reported error", "code", m.Code, "source", m.Source, "detail", m.Detail)
		s.emit(Update{Kind: UpdateError, Error: m})
	}
}

// startCapture opens the microphone. Without a device the session goes on
// text-only and the UI is told why.
func (s *Session) startCapture(ctx context.Context, conn *transport.Conn) {
	enc := audio.NewCaptureEncoder(s.opts.Source, s.opts.Capture, conn.Open)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.capture = enc
	s.mu.Unlock()

	err := enc.Start(ctx, func(f audio.Frame) {
		if s.recorder != nil {
			s.recorder.Add(f)
		}
		_ = conn.SendBinary(f.Data)
	})
	if err == nil {
		return
	}
	if errors.Is(err, audio.ErrCaptureStopped) {
		return
	}
	s.log.Warnw("microphone unavailable", "error", err)
	s.emit(Update{
		Kind:  UpdateError,
		Error: protocol.NewError(string(errorsx.Reason(err)), "device", err.Error(), false),
	})
}

func (s *Session) play(pcm []byte) {
	if s.player == nil {
		return
	}
	f := audio.Frame{Data: pcm, SampleRate: audio.PlaybackSampleRate, Channels: 1}
	if _, err := s.player.Enqueue(f); err != nil && !errors.Is(err, audio.ErrSchedulerClosed) {
		s.log.Debugw("playback frame rejected", "bytes", len(pcm), "error", err)
	}
}

func (s *Session) appendTranscript(speaker session.Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, session.TranscriptEntry{
		ID:      uuid.NewString(),
		Speaker: speaker,
		Text:    text,
		At:      time.Now().UTC(),
	})
}

// emit never blocks the receive loop.
func (s *Session) emit(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.updates <- u:
	default:
		s.log.Warnw("dropping update, consumer is behind", "kind", u.Kind)
	}
}

// finish tears the session down once: capture stops, playback is flushed
// and released, the transport closes and the recording is written.
func (s *Session) finish(cause error) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.state = session.StateStopping
		capture, conn, cancel := s.capture, s.conn, s.cancel
		s.mu.Unlock()

		if capture != nil {
			_ = capture.Stop()
		}
		if s.player != nil {
			s.player.Flush()
			_ = s.player.Close()
		}
		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if s.recorder != nil {
			if err := s.recorder.WriteFile(s.opts.RecordPath); err != nil {
				s.log.Warnw("recording not written", "path", s.opts.RecordPath, "error", err)
			}
		}

		s.emit(Update{Kind: UpdateClosed, Err: cause})
		s.mu.Lock()
		s.state = session.StateClosed
		s.closed = true
		close(s.updates)
		s.mu.Unlock()
		close(s.done)
	})
}
