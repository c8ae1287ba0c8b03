package audio

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSchedulerClosed = errors.New("playback scheduler closed")
	ErrInvalidFrame    = errors.New("invalid playback frame")
)

// Sink renders PCM16LE audio. Reset discards anything the sink has buffered.
type Sink interface {
	Play(pcm []byte) error
	Reset() error
	Close() error
}

// Entry is one scheduled frame.
type Entry struct {
	ID       uint64
	Start    time.Time
	Duration time.Duration
}

func (e Entry) End() time.Time { return e.Start.Add(e.Duration) }

type scheduled struct {
	Entry
	data   []byte
	begin  Timer
	finish Timer
}

// Scheduler plays frames back to back. A frame starts at the later of now
// and the end of the last scheduled frame, so entries never overlap and
// frames arriving faster than real time leave no gaps.
//
// Clock.AfterFunc must run f asynchronously.
type Scheduler struct {
	clock Clock
	sink  Sink
	log   *zap.SugaredLogger

	mu        sync.Mutex
	queue     []*scheduled
	endOfLast time.Time
	seq       uint64
	// dirty is set once audio reached the sink since the last reset.
	dirty  bool
	closed bool
}

func NewScheduler(sink Sink, clock Clock, log *zap.SugaredLogger) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{clock: clock, sink: sink, log: log}
}

// Enqueue schedules f and returns its entry.
func (s *Scheduler) Enqueue(f Frame) (Entry, error) {
	if f.SampleRate <= 0 || len(f.Data) < bytesPerSample {
		return Entry{}, ErrInvalidFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrSchedulerClosed
	}

	now := s.clock.Now()
	start := now
	if s.endOfLast.After(now) {
		start = s.endOfLast
	}
	s.seq++
	e := &scheduled{
		Entry: Entry{ID: s.seq, Start: start, Duration: f.Duration()},
		data:  f.Data,
	}
	s.endOfLast = e.End()
	s.queue = append(s.queue, e)
	e.begin = s.clock.AfterFunc(start.Sub(now), func() { s.play(e) })
	e.finish = s.clock.AfterFunc(e.End().Sub(now), func() { s.complete(e) })
	return e.Entry, nil
}

func (s *Scheduler) play(e *scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.queuedLocked(e) {
		return
	}
	s.dirty = true
	// Writing under the lock orders every write before any later Flush.
	if err := s.sink.Play(e.data); err != nil {
		s.log.Warnw("playback write failed", "entry_id", e.ID, "error", err)
	}
}

func (s *Scheduler) complete(e *scheduled) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == e {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// Flush cancels every playing and pending entry, clears the queue and
// resets the schedule to now. It returns the number of entries cancelled.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	s.cancelLocked()
	s.endOfLast = s.clock.Now()
	if s.dirty && !s.closed {
		s.dirty = false
		if err := s.sink.Reset(); err != nil {
			s.log.Warnw("playback reset failed", "error", err)
		}
	}
	return n
}

// Close cancels everything and releases the sink. Repeated calls are no-ops.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancelLocked()
	return s.sink.Close()
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Pending returns a snapshot of the queue in start order.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, e.Entry)
	}
	return out
}

func (s *Scheduler) cancelLocked() {
	for _, e := range s.queue {
		if e.begin != nil {
			e.begin.Stop()
		}
		if e.finish != nil {
			e.finish.Stop()
		}
	}
	s.queue = nil
}

func (s *Scheduler) queuedLocked(e *scheduled) bool {
	for _, q := range s.queue {
		if q == e {
			return true
		}
	}
	return false
}
