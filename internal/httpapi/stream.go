package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ent0n29/voicebridge/internal/policy"
	"github.com/ent0n29/voicebridge/internal/protocol"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/transport"
)

// handleStream creates a session from the query and runs it on the
// upgraded connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	q := r.URL.Query()
	sess, ok := s.createSession(w, session.CreateRequest{
		UserID:    q.Get("user_id"),
		ProjectID: q.Get("project_id"),
		AuthToken: q.Get("auth_token"),
	})
	if !ok {
		return
	}
	s.serveSession(w, r, sess)
}

// handleSessionWS runs a session created with POST /v1/voice/session.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.State != session.StateIdle {
		respondError(w, http.StatusConflict, "session_not_idle", "session already ran: "+string(sess.State))
		return
	}
	s.serveSession(w, r, sess)
}

// serveSession bridges the websocket to the orchestrator. The read loop
// below owns inbound and closes it; outbound is drained by a single writer
// and never closed.
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	log := s.log.With("session_id", sess.ID)
	log.Debugw("voice stream requested", "url", policy.RedactURL(r.URL.String()), "remote", r.RemoteAddr)
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		_ = s.sessions.Stop(sess.ID, session.CauseTransportClosed)
		return
	}
	conn := transport.New(ws, transport.Options{SendQueue: s.cfg.Server.SendQueue})
	defer conn.Close()

	queue := s.cfg.Server.SendQueue
	if queue <= 0 {
		queue = transport.DefaultOptions().SendQueue
	}
	inbound := make(chan any, queue)
	outbound := make(chan any, queue)
	runDone := make(chan struct{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer close(runDone)
		err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		switch {
		case errors.Is(err, session.ErrAlreadyAttached):
			log.Infow("session claimed by another connection")
			select {
			case outbound <- protocol.NewError("session_not_idle", "gateway", err.Error(), false):
			default:
			}
		case err != nil:
			log.Warnw("voice session ended with error", "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, outbound, runDone)
	}()

	s.readLoop(conn, inbound, outbound, runDone)
	close(inbound)
	<-runDone
	<-writerDone
}

func (s *Server) readLoop(conn *transport.Conn, inbound chan<- any, outbound chan<- any, runDone <-chan struct{}) {
	for {
		var (
			msg transport.Message
			ok  bool
		)
		select {
		case <-runDone:
			return
		case msg, ok = <-conn.Recv():
		}
		if !ok {
			return
		}

		var parsed any
		if msg.Kind == transport.Binary {
			parsed = protocol.AudioIn{PCM: msg.Data}
		} else {
			p, err := protocol.ParseClientMessage(msg.Data)
			if err != nil {
				s.metrics.ObserveMessage("inbound", "invalid")
				select {
				case outbound <- protocol.NewError("invalid_client_message", "gateway", err.Error(), false):
				default:
					s.metrics.ObserveMessage("outbound_dropped", string(protocol.TypeError))
				}
				continue
			}
			parsed = p
		}

		select {
		case <-runDone:
			return
		case inbound <- parsed:
		}
	}
}

// writeLoop forwards outbound messages until the session ends, then
// flushes what is already queued.
func (s *Server) writeLoop(conn *transport.Conn, outbound <-chan any, runDone <-chan struct{}) {
	for {
		select {
		case msg := <-outbound:
			s.write(conn, msg)
		case <-runDone:
			for {
				select {
				case msg := <-outbound:
					s.write(conn, msg)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) write(conn *transport.Conn, msg any) {
	var err error
	switch m := msg.(type) {
	case protocol.AudioOut:
		err = conn.SendBinary(m.PCM)
	default:
		err = conn.SendJSON(m)
	}
	if err != nil {
		s.metrics.ObserveDroppedFrame("outbound")
	}
}
