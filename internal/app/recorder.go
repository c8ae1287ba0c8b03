package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicebridge/internal/history"
	"github.com/ent0n29/voicebridge/internal/session"
)

// historyRecorder appends lifecycle transitions to the history store from a
// single goroutine, so the registry hook never waits on the database. The
// registry delivers transitions in order; the queue keeps that order.
type historyRecorder struct {
	store history.Store
	log   *zap.SugaredLogger

	queue chan history.Record
	done  chan struct{}

	mu     sync.Mutex
	closed bool
}

func newHistoryRecorder(store history.Store, log *zap.SugaredLogger, size int) *historyRecorder {
	r := &historyRecorder{
		store: store,
		log:   log,
		queue: make(chan history.Record, size),
		done:  make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *historyRecorder) record(t session.Transition) {
	rec := history.Record{
		SessionID: t.SessionID,
		ProjectID: t.ProjectID,
		UserID:    t.UserID,
		From:      string(t.From),
		State:     string(t.To),
		Cause:     string(t.Cause),
		At:        t.At,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warnw("history queue full, dropping transition", "session_id", t.SessionID, "state", t.To)
	}
}

func (r *historyRecorder) loop() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Append(ctx, rec); err != nil {
			r.log.Warnw("history append failed", "session_id", rec.SessionID, "state", rec.State, "error", err)
		}
		cancel()
	}
}

// close flushes queued records and stops the worker.
func (r *historyRecorder) close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
