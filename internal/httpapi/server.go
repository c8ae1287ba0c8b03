package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/history"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	history      history.Store
	metrics      *observability.Metrics
	log          *zap.SugaredLogger
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	store history.Store,
	metrics *observability.Metrics,
	log *zap.SugaredLogger,
) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if store == nil {
		store = history.NewInMemoryStore()
	}
	allowAny := cfg.Server.AllowAnyOrigin
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		history:      store,
		metrics:      metrics,
		log:          log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive a session from the same origin.
				if allowAny {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/voice/stream", s.handleStream)
	r.Get("/voice/sessions", s.handleListSessions)

	r.Post("/v1/voice/session", s.handleCreateSession)
	r.Get("/v1/voice/session/ws", s.handleSessionWS)
	r.Get("/v1/voice/session/{id}", s.handleGetSession)
	r.Post("/v1/voice/session/{id}/end", s.handleEndSession)
	r.Get("/v1/voice/session/{id}/transcript", s.handleTranscript)
	r.Get("/v1/voice/session/{id}/history", s.handleHistory)
	r.Get("/v1/voice/perf", s.handlePerf)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "orchestrator not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"engine_mode": s.cfg.Engine.Mode,
		"backend":     s.cfg.Backend.Mode,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	sess, ok := s.createSession(w, req)
	if !ok {
		return
	}
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		ProjectID:       sess.ProjectID,
		State:           sess.State,
		CreatedAt:       sess.CreatedAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) createSession(w http.ResponseWriter, req session.CreateRequest) (*session.Session, bool) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "missing_project_id", "project_id is required")
		return nil, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		req.UserID = "anonymous"
	}
	sess := s.sessions.Create(req.UserID, req.ProjectID, strings.TrimSpace(req.AuthToken))
	s.log.Infow("voice session created", "session_id", sess.ID, "project_id", sess.ProjectID, "user_id", sess.UserID)
	return sess, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sessions.Stop(id, session.CauseEnded); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	entries, err := s.sessions.Transcript(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"entries":    entries,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	records, err := s.history.ForSession(r.Context(), id)
	if err != nil {
		s.log.Warnw("history lookup failed", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", err.Error())
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusNotFound, "session_not_found", "no history for session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     records,
	})
}

// handleListSessions lists live session ids.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	ids := make([]string, 0)
	for _, sess := range s.sessions.List() {
		if sess.Live() {
			ids = append(ids, sess.ID)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"count":    len(ids),
		"sessions": ids,
	})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
