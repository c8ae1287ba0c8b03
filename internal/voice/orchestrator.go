package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/dispatch"
	"github.com/ent0n29/voicebridge/internal/engine"
	"github.com/ent0n29/voicebridge/internal/errorsx"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/reliability"
	"github.com/ent0n29/voicebridge/internal/session"
)

var (
	errStopRequested   = errors.New("client requested stop")
	errTransportClosed = errorsx.Wrap(errors.New("transport closed"), errorsx.ReasonChannelClosed)
	errEngineClosed    = errorsx.Wrap(engine.ErrClosed, errorsx.ReasonEngineClosed)
	errConnectTimeout  = errorsx.Wrap(errors.New("connect timed out"), errorsx.ReasonConnectTimeout)
	errSessionStopped  = errors.New("session stopped")
)

type Config struct {
	Settings       engine.Settings
	ConnectTimeout time.Duration
	// CriticalSendTimeout bounds how long a control message waits for the
	// client writer; audio waits AudioSendTimeout and is then dropped.
	CriticalSendTimeout time.Duration
	AudioSendTimeout    time.Duration
	FunctionQueue       int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CriticalSendTimeout <= 0 {
		c.CriticalSendTimeout = 600 * time.Millisecond
	}
	if c.AudioSendTimeout <= 0 {
		c.AudioSendTimeout = 100 * time.Millisecond
	}
	if c.FunctionQueue <= 0 {
		c.FunctionQueue = 16
	}
	return c
}

// Orchestrator drives voice sessions: one RunConnection call per client
// connection.
type Orchestrator struct {
	sessions  *session.Manager
	connector engine.Connector
	backends  BackendFactory
	metrics   *observability.Metrics
	log       *zap.SugaredLogger
	cfg       Config
	functions []engine.Function
}

func NewOrchestrator(
	sessions *session.Manager,
	connector engine.Connector,
	backends BackendFactory,
	metrics *observability.Metrics,
	log *zap.SugaredLogger,
	cfg Config,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{
		sessions:  sessions,
		connector: connector,
		backends:  backends,
		metrics:   metrics,
		log:       log,
		cfg:       cfg.withDefaults(),
		functions: engineFunctions(),
	}
}

// stopper is the handle the session registry uses to end a running session.
type stopper struct {
	mu     sync.Mutex
	cause  session.Cause
	cancel context.CancelCauseFunc
}

func (st *stopper) stop(cause session.Cause) {
	st.mu.Lock()
	if st.cause == session.CauseNone {
		st.cause = cause
	}
	st.mu.Unlock()
	st.cancel(errSessionStopped)
}

func (st *stopper) get() session.Cause {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cause
}

// live is what a session needs once connected.
type live struct {
	id        string
	projectID string
	engine    engine.Session
	backend   backend.Backend
	events    <-chan backend.Event
	table     *dispatch.Table
	outbound  chan<- any
	log       *zap.SugaredLogger
}

// RunConnection drives a session lifecycle for one client connection.
// inbound carries protocol.AudioIn and protocol.Stop values and is closed
// when the transport goes away; outbound is never closed by the
// orchestrator. It returns nil when the session ended normally.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	log := o.log.With("session_id", s.ID, "project_id", s.ProjectID)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	st := &stopper{cancel: cancel}
	// Attach moves the session to connecting; a session already driven by
	// another connection is refused here.
	if err := o.sessions.Attach(s.ID, st.stop); err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	started := time.Now()
	eng, b, events, err := o.connect(runCtx, s, inbound)
	if err != nil {
		cause := st.get()
		switch {
		case cause != session.CauseNone:
		case errors.Is(err, errTransportClosed):
			cause = session.CauseTransportClosed
		case errors.Is(err, errStopRequested):
			cause = session.CauseClientStop
		default:
			cause = session.CauseConnectFailed
			o.send(ctx, outbound, connectError(err))
		}
		log.Warnw("session connect failed", "cause", cause, "error", err)
		_ = o.sessions.Transition(s.ID, session.StateClosed, cause)
		if cause != session.CauseConnectFailed {
			return nil
		}
		return err
	}
	o.metrics.ObserveEngineConnect(time.Since(started))

	if err := o.sessions.Transition(s.ID, session.StateActive, session.CauseNone); err != nil {
		_ = eng.Close()
		_ = o.sessions.Transition(s.ID, session.StateClosed, st.get())
		return err
	}
	o.metrics.SetActiveSessions(o.sessions.ActiveCount())
	log.Infow("voice session active", "connect_ms", time.Since(started).Milliseconds())
	o.send(runCtx, outbound, protocol.NewReady(s.ID))

	lv := &live{
		id:        s.ID,
		projectID: s.ProjectID,
		engine:    eng,
		backend:   b,
		events:    events,
		table:     dispatch.NewTable(b, s.ProjectID),
		outbound:  outbound,
		log:       log,
	}
	calls := make(chan dispatch.Request, o.cfg.FunctionQueue)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.captureRelay(gctx, lv, inbound) })
	g.Go(func() error { return o.engineRelay(gctx, lv, calls) })
	g.Go(func() error { return o.eventPump(gctx, lv) })
	g.Go(func() error { return o.dispatchCalls(gctx, lv, calls) })
	runErr := g.Wait()

	cause := st.get()
	if cause == session.CauseNone {
		cause = causeOf(ctx, runErr)
	}
	_ = o.sessions.Transition(s.ID, session.StateStopping, cause)
	if cause == session.CauseEngineClosed {
		o.send(ctx, outbound, protocol.NewError(string(errorsx.ReasonEngineClosed), "engine", runErr.Error(), true))
	}
	cancel(errSessionStopped)
	_ = eng.Close()
	_ = o.sessions.Transition(s.ID, session.StateClosed, cause)
	o.metrics.SetActiveSessions(o.sessions.ActiveCount())
	log.Infow("voice session closed", "cause", cause, "duration", time.Since(started).Round(time.Millisecond))

	if cause == session.CauseEngineClosed {
		return runErr
	}
	return nil
}

func causeOf(parent context.Context, err error) session.Cause {
	switch {
	case errors.Is(err, errStopRequested):
		return session.CauseClientStop
	case errors.Is(err, errTransportClosed):
		return session.CauseTransportClosed
	case parent.Err() != nil:
		return session.CauseShutdown
	default:
		return session.CauseEngineClosed
	}
}

type connected struct {
	engine  engine.Session
	backend backend.Backend
	events  <-chan backend.Event
	err     error
}

// connect opens the engine and the backend event stream. Both must succeed
// within the connect timeout. The client may hang up or send stop while
// this runs; audio it sends before ready is dropped.
func (o *Orchestrator) connect(ctx context.Context, s *session.Session, inbound <-chan any) (engine.Session, backend.Backend, <-chan backend.Event, error) {
	done := make(chan connected, 1)
	go func() {
		eng, err := o.connector.Connect(ctx, o.cfg.Settings, o.functions)
		if err != nil {
			done <- connected{err: err}
			return
		}
		b := o.backends(s.AuthToken)
		events, err := b.Subscribe(ctx, s.ProjectID)
		if err != nil {
			_ = eng.Close()
			done <- connected{err: fmt.Errorf("subscribe events: %w", err)}
			return
		}
		done <- connected{engine: eng, backend: b, events: events}
	}()

	abandon := func() {
		go func() {
			if r := <-done; r.engine != nil {
				_ = r.engine.Close()
			}
		}()
	}

	timer := time.NewTimer(o.cfg.ConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case r := <-done:
			return r.engine, r.backend, r.events, r.err
		case <-timer.C:
			abandon()
			return nil, nil, nil, errConnectTimeout
		case <-ctx.Done():
			abandon()
			return nil, nil, nil, context.Cause(ctx)
		case msg, ok := <-inbound:
			if !ok {
				abandon()
				return nil, nil, nil, errTransportClosed
			}
			if _, stop := msg.(protocol.Stop); stop {
				abandon()
				return nil, nil, nil, errStopRequested
			}
		}
	}
}

func connectError(err error) protocol.ErrorEvent {
	reason := errorsx.Reason(err)
	source := "engine"
	retryable := true
	switch reason {
	case errorsx.ReasonBackendSubscribe, errorsx.ReasonBackendCall:
		source = "backend"
		var se *backend.StatusError
		if errors.As(err, &se) {
			retryable = se.Retryable()
		}
	case errorsx.ReasonUnknown:
		reason = errorsx.ReasonEngineConnect
	}
	return protocol.NewError(string(reason), source, err.Error(), retryable)
}

// send delivers msg to the client writer. Control messages wait up to
// CriticalSendTimeout, audio up to AudioSendTimeout; both give up when ctx
// ends.
func (o *Orchestrator) send(ctx context.Context, outbound chan<- any, msg any) bool {
	msgType, critical := outboundMessageMeta(msg)
	timeout := o.cfg.AudioSendTimeout
	if critical {
		timeout = o.cfg.CriticalSendTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		o.metrics.ObserveMessage("outbound", msgType)
		return true
	case <-timer.C:
		if msgType == "audio" {
			o.metrics.ObserveDroppedFrame("outbound")
		} else {
			o.metrics.ObserveMessage("outbound_dropped", msgType)
		}
		return false
	case <-ctx.Done():
		return false
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.AudioOut:
		return "audio", false
	case protocol.Ready:
		return string(m.Type), true
	case protocol.UserTranscript:
		return string(m.Type), true
	case protocol.AgentTranscript:
		return string(m.Type), true
	case protocol.TaskSubmitted:
		return string(m.Type), true
	case protocol.UserStartedSpeaking:
		return string(m.Type), true
	case protocol.AgentStartedSpeaking:
		return string(m.Type), false
	case protocol.StatusUpdate:
		return string(m.Type), false
	case protocol.ErrorEvent:
		return string(m.Type), true
	default:
		return "unknown", false
	}
}

func engineError(evt engine.Event) protocol.ErrorEvent {
	code := evt.Code
	if code == "" {
		code = "engine_error"
	}
	return protocol.NewError(code, "engine", evt.Description, reliability.IsRetryableEngineError(code))
}
