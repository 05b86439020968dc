// Package scheduler delivers signals at a later time. It has no clock of its
// own: the daemon loop calls Tick with the current time.
package scheduler

import (
	"container/heap"
	"fmt"
	"log/slog"
	"time"

	xerrors "Enclosure-Core/internal/errors"
	"Enclosure-Core/internal/signal"
	"Enclosure-Core/pkg/logger"
)

// Entry is one pending delivery.
type Entry struct {
	Key        string
	FireAt     time.Time
	Target     string
	Signal     *signal.Signal
	Recurrence Recurrence

	index int
}

// Emitter queues a signal for its target, normally the router. Due entries
// are queued together and handled when the caller drains the router.
type Emitter interface {
	Emit(target string, sig *signal.Signal) error
}

// Recorder observes firings.
type Recorder interface {
	RecordFire(key string)
}

// queue is a min-heap ordered by fire time, then key.
type queue []*Entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if !q[i].FireAt.Equal(q[j].FireAt) {
		return q[i].FireAt.Before(q[j].FireAt)
	}
	return q[i].Key < q[j].Key
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Scheduler keeps at most one entry per key.
type Scheduler struct {
	entries  map[string]*Entry
	queue    queue
	emit     Emitter
	loc      *time.Location
	log      *slog.Logger
	recorder Recorder
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLocation sets the zone used for daily recurrences.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

func WithRecorder(rec Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = rec
	}
}

// New creates a scheduler queueing through e.
func New(e Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries: make(map[string]*Entry),
		emit:    e,
		loc:     time.Local,
		log:     logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Location returns the zone used for daily recurrences.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Schedule inserts an entry, replacing any entry with the same key.
func (s *Scheduler) Schedule(key string, when time.Time, target string, sig *signal.Signal, rec Recurrence) error {
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "schedule key is required")
	}
	if target == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("schedule %s: target is required", key))
	}
	if err := rec.validate(); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("schedule %s", key))
	}
	if sig == nil {
		sig = signal.New()
	}
	e, replaced := s.entries[key]
	if replaced {
		e.FireAt, e.Target, e.Signal, e.Recurrence = when, target, sig, rec
		heap.Fix(&s.queue, e.index)
	} else {
		e = &Entry{Key: key, FireAt: when, Target: target, Signal: sig, Recurrence: rec}
		s.entries[key] = e
		heap.Push(&s.queue, e)
	}
	s.log.Debug("scheduled", "key", key, "fire_at", when, "target", target, "recurrence", rec.String(), "replaced", replaced)
	return nil
}

// Cancel removes the entry under key and reports whether there was one.
func (s *Scheduler) Cancel(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.entries, key)
	s.log.Debug("cancelled", "key", key)
	return true
}

// Get returns a copy of the entry under key.
func (s *Scheduler) Get(key string) (Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *Scheduler) Len() int { return len(s.entries) }

// Next returns the earliest fire time.
func (s *Scheduler) Next() (time.Time, bool) {
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].FireAt, true
}

// Tick queues every entry due at now in ascending fire time, ties broken by
// key, then removes or re-arms it. Handlers run when the emitter is drained,
// so a handler that replaces or cancels an entry affects its next firing,
// not the batch already queued. Queueing errors are logged. Tick returns
// the number of entries fired.
func (s *Scheduler) Tick(now time.Time) int {
	var due []*Entry
	for len(s.queue) > 0 && !s.queue[0].FireAt.After(now) {
		due = append(due, heap.Pop(&s.queue).(*Entry))
	}
	for _, e := range due {
		if next, again := e.Recurrence.rearm(now, s.loc); again {
			e.FireAt = next
			heap.Push(&s.queue, e)
		} else {
			delete(s.entries, e.Key)
		}
	}

	for _, e := range due {
		if s.recorder != nil {
			s.recorder.RecordFire(e.Key)
		}
		if err := s.emit.Emit(e.Target, e.Signal.Clone()); err != nil {
			s.log.Warn("scheduled delivery failed", "key", e.Key, "target", e.Target, "error", err)
		}
	}
	return len(due)
}
