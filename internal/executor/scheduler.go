package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/crosslock-exchange/crosslock/pkg/logging"
)

// wakeSkewGuard tolerates early timer wakes: entries within this window
// of their deadline fire rather than rescheduling a sub-millisecond
// timer.
const wakeSkewGuard = 50 * time.Millisecond

// timerEntry is one scheduled callback.
type timerEntry struct {
	at        time.Time
	sessionID string
	name      string
	fn        func()
	cancelled bool
	index     int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { e := x.(*timerEntry); e.index = len(*h); *h = append(*h, e) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler fires callbacks at absolute deadlines. Entries are keyed by
// (session, name) so completion can cancel a session's pending timers.
type Scheduler struct {
	mu      sync.Mutex
	entries timerHeap
	byKey   map[string]*timerEntry
	wake    chan struct{}
	log     *logging.Logger
}

// NewScheduler builds an empty scheduler; Run must be started for
// callbacks to fire.
func NewScheduler(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Scheduler{
		byKey: make(map[string]*timerEntry),
		wake:  make(chan struct{}, 1),
		log:   log.Component("scheduler"),
	}
}

func timerKey(sessionID, name string) string {
	return sessionID + "/" + name
}

// Schedule registers fn to run once at the deadline. Re-scheduling the
// same (session, name) replaces the previous entry.
func (s *Scheduler) Schedule(sessionID, name string, at time.Time, fn func()) {
	s.mu.Lock()
	key := timerKey(sessionID, name)
	if old, ok := s.byKey[key]; ok {
		old.cancelled = true
	}
	e := &timerEntry{at: at, sessionID: sessionID, name: name, fn: fn}
	s.byKey[key] = e
	heap.Push(&s.entries, e)
	s.mu.Unlock()

	s.poke()
	s.log.Debug("timer scheduled", "session", sessionID, "name", name, "at", at)
}

// Cancel drops one pending callback.
func (s *Scheduler) Cancel(sessionID, name string) {
	s.mu.Lock()
	key := timerKey(sessionID, name)
	if e, ok := s.byKey[key]; ok {
		e.cancelled = true
		delete(s.byKey, key)
	}
	s.mu.Unlock()
	s.poke()
}

// CancelSession drops every pending callback for a session, as on
// completion.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	for key, e := range s.byKey {
		if e.sessionID == sessionID {
			e.cancelled = true
			delete(s.byKey, key)
		}
	}
	s.mu.Unlock()
	s.poke()
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the scheduler until ctx is cancelled. Due callbacks run
// in their own goroutine so a slow callback cannot delay the next
// deadline.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		next := s.fireDue()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next.IsZero() {
			timer.Reset(time.Hour)
		} else {
			d := time.Until(next)
			if d < 0 {
				d = 0
			}
			timer.Reset(d)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// fireDue runs every entry at or past its deadline and returns the
// next pending deadline, or zero if none.
func (s *Scheduler) fireDue() time.Time {
	now := time.Now()

	s.mu.Lock()
	var due []*timerEntry
	for s.entries.Len() > 0 {
		e := s.entries[0]
		if e.cancelled {
			heap.Pop(&s.entries)
			continue
		}
		if e.at.Sub(now) > wakeSkewGuard {
			break
		}
		heap.Pop(&s.entries)
		delete(s.byKey, timerKey(e.sessionID, e.name))
		due = append(due, e)
	}
	var next time.Time
	if s.entries.Len() > 0 {
		next = s.entries[0].at
	}
	s.mu.Unlock()

	for _, e := range due {
		s.log.Debug("timer fired", "session", e.sessionID, "name", e.name)
		go e.fn()
	}
	return next
}
