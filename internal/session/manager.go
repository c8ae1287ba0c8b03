package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrClosed            = errors.New("session closed")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrAlreadyAttached   = errors.New("session already has a driver")
)

var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateClosed},
	StateConnecting: {StateActive, StateStopping, StateClosed},
	StateActive:     {StateStopping},
	StateStopping:   {StateClosed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StopFunc asks the goroutine group that drives a session to shut down.
type StopFunc func(cause Cause)

type entry struct {
	s          *Session
	transcript []TranscriptEntry
	stop       StopFunc
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	sessionByUser     map[string]string
	inactivityTimeout time.Duration
	retention         time.Duration
	onTransition      func(Transition)
	now               func() time.Time

	// pending holds fired transitions, in the order they were made under mu,
	// until one goroutine holding hookMu hands them to onTransition.
	pending []Transition
	hookMu  sync.Mutex
}

func NewManager(inactivityTimeout, retention time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*entry),
		sessionByUser:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		retention:         retention,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

// SetTransitionHook registers a listener for lifecycle steps. The hook runs
// outside the registry lock, one call at a time and in transition order. It
// must not block for long.
func (m *Manager) SetTransitionHook(hook func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = hook
}

// Create registers an idle session. A live session already owned by the
// same user is stopped with CauseSuperseded.
func (m *Manager) Create(userID, projectID, authToken string) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		UserID:         userID,
		AuthToken:      authToken,
		State:          StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	var (
		fired   []Transition
		stopOld StopFunc
	)
	m.mu.Lock()
	if userID != "" {
		if prevID, ok := m.sessionByUser[userID]; ok {
			if prev, ok := m.sessions[prevID]; ok && prev.s.Live() {
				stopOld, fired = m.stopLocked(prev, CauseSuperseded)
			}
		}
		m.sessionByUser[userID] = s.ID
	}
	m.sessions[s.ID] = &entry{s: s}
	fired = append(fired, Transition{
		SessionID: s.ID, ProjectID: projectID, UserID: userID,
		To: StateIdle, At: now,
	})
	m.pending = append(m.pending, fired...)
	out := clone(s)
	m.mu.Unlock()

	if stopOld != nil {
		stopOld(CauseSuperseded)
	}
	m.deliver()
	return out
}

// Attach claims an idle session for the goroutine group that will drive it:
// stop becomes its stop handle and the session moves to connecting. A
// session is claimed at most once.
func (m *Manager) Attach(sessionID string, stop StopFunc) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !e.s.Live() {
		m.mu.Unlock()
		return ErrClosed
	}
	if e.stop != nil || e.s.State != StateIdle {
		state := e.s.State
		m.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyAttached, state)
	}
	t, err := m.transitionLocked(e, StateConnecting, CauseNone)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	e.stop = stop
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	m.deliver()
	return nil
}

// Transition moves a session to the next lifecycle state.
func (m *Manager) Transition(sessionID string, to State, cause Cause) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	t, err := m.transitionLocked(e, to, cause)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.pending = append(m.pending, t)
	m.mu.Unlock()

	m.deliver()
	return nil
}

func (m *Manager) transitionLocked(e *entry, to State, cause Cause) (Transition, error) {
	from := e.s.State
	if !allowed(from, to) {
		return Transition{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := m.now()
	e.s.State = to
	e.s.LastActivityAt = now
	if cause != CauseNone && e.s.Cause == CauseNone {
		e.s.Cause = cause
	}
	if to == StateClosed {
		e.s.ClosedAt = &now
		e.stop = nil
		if e.s.UserID != "" && m.sessionByUser[e.s.UserID] == e.s.ID {
			delete(m.sessionByUser, e.s.UserID)
		}
	}
	return Transition{
		SessionID: e.s.ID, ProjectID: e.s.ProjectID, UserID: e.s.UserID,
		From: from, To: to, Cause: e.s.Cause, At: now,
	}, nil
}

// stopLocked returns the attached stop handle, or closes a session that has
// nobody driving it.
func (m *Manager) stopLocked(e *entry, cause Cause) (StopFunc, []Transition) {
	if e.stop != nil {
		return e.stop, nil
	}
	var fired []Transition
	for e.s.Live() {
		next := StateClosed
		if e.s.State == StateActive {
			next = StateStopping
		}
		t, err := m.transitionLocked(e, next, cause)
		if err != nil {
			break
		}
		fired = append(fired, t)
	}
	return nil, fired
}

// Stop ends a session. Stopping a closed session is a no-op.
func (m *Manager) Stop(sessionID string, cause Cause) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if !e.s.Live() {
		m.mu.Unlock()
		return nil
	}
	stop, fired := m.stopLocked(e, cause)
	m.pending = append(m.pending, fired...)
	m.mu.Unlock()

	if stop != nil {
		stop(cause)
	}
	m.deliver()
	return nil
}

// StopAll stops every live session, used on shutdown.
func (m *Manager) StopAll(cause Cause) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, e := range m.sessions {
		if e.s.Live() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.Stop(id, cause)
	}
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.s), nil
}

// List returns every known session, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, clone(e.s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.s.LastActivityAt = m.now()
	return nil
}

// Interrupt counts a barge-in.
func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.s.BargeIns++
	e.s.LastActivityAt = m.now()
	return nil
}

func (m *Manager) AppendTranscript(sessionID string, speaker Speaker, text string) (TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return TranscriptEntry{}, ErrNotFound
	}
	if !e.s.Live() {
		return TranscriptEntry{}, ErrClosed
	}
	now := m.now()
	te := TranscriptEntry{ID: uuid.NewString(), Speaker: speaker, Text: text, At: now}
	e.transcript = append(e.transcript, te)
	e.s.LastActivityAt = now
	return te, nil
}

// Transcript returns a copy of the session transcript.
func (m *Manager) Transcript(sessionID string) ([]TranscriptEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]TranscriptEntry, len(e.transcript))
	copy(out, e.transcript)
	return out, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.State == StateActive {
			count++
		}
	}
	return count
}

// LiveCount reports sessions that are not closed yet.
func (m *Manager) LiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.s.Live() {
			count++
		}
	}
	return count
}

// WaitClosed blocks until every session is closed or ctx ends. Used on
// shutdown after StopAll, so drivers can finish their last transitions.
func (m *Manager) WaitClosed(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.LiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d sessions still live: %w", m.LiveCount(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep stops idle or silent sessions and forgets closed ones past retention.
func (m *Manager) sweep() {
	now := m.now()
	var (
		fired []Transition
		stops []StopFunc
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		switch e.s.State {
		case StateClosed:
			if e.s.ClosedAt != nil && now.Sub(*e.s.ClosedAt) >= m.retention {
				delete(m.sessions, id)
			}
		case StateIdle, StateActive:
			if now.Sub(e.s.LastActivityAt) < m.inactivityTimeout {
				continue
			}
			stop, ts := m.stopLocked(e, CauseExpired)
			if stop != nil {
				stops = append(stops, stop)
			}
			fired = append(fired, ts...)
		}
	}
	m.pending = append(m.pending, fired...)
	m.mu.Unlock()

	for _, stop := range stops {
		stop(CauseExpired)
	}
	m.deliver()
}

// deliver drains pending transitions to the hook. Only one goroutine
// delivers at a time; a caller that finds delivery in progress leaves its
// transitions to that goroutine, which loops until nothing is pending.
func (m *Manager) deliver() {
	for {
		if !m.hookMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			hook := m.onTransition
			m.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			if hook != nil {
				for _, t := range batch {
					hook(t)
				}
			}
		}
		m.hookMu.Unlock()

		m.mu.RLock()
		more := len(m.pending) > 0
		m.mu.RUnlock()
		if !more {
			return
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	if s.ClosedAt != nil {
		at := *s.ClosedAt
		c.ClosedAt = &at
	}
	return &c
}
