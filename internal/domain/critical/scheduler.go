package critical

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall time so escalation deadlines can be driven
// deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancelable delayed call.
type Timer interface {
	Stop() bool
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// FireFunc is invoked once when an armed deadline expires.
type FireFunc func(id uuid.UUID)

type armedTimer struct {
	timer    Timer
	seq      uint64
	deadline time.Time
}

// Scheduler keeps at most one live deadline timer per critical value id. It
// holds only ids; the fire callback is responsible for re-checking state.
type Scheduler struct {
	clock Clock
	fire  FireFunc

	mu      sync.Mutex
	seq     uint64
	timers  map[uuid.UUID]*armedTimer
	stopped bool
}

func NewScheduler(clock Clock, fire FireFunc) *Scheduler {
	if clock == nil {
		clock = RealClock()
	}
	return &Scheduler{
		clock:  clock,
		fire:   fire,
		timers: make(map[uuid.UUID]*armedTimer),
	}
}

// Arm schedules fire(id) at deadline, replacing any timer already armed for
// id. A deadline in the past fires as soon as the clock allows.
func (s *Scheduler) Arm(id uuid.UUID, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.timers[id]; ok {
		existing.timer.Stop()
	}

	s.seq++
	seq := s.seq
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}
	at := &armedTimer{seq: seq, deadline: deadline}
	at.timer = s.clock.AfterFunc(d, func() { s.expire(id, seq) })
	s.timers[id] = at
}

// Cancel stops the timer for id. It reports whether a live timer was
// removed; canceling an unknown, fired or already canceled id is a no-op.
func (s *Scheduler) Cancel(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.timers[id]
	if !ok {
		return false
	}
	at.timer.Stop()
	delete(s.timers, id)
	return true
}

// FireNow expires the timer for id immediately on the calling goroutine. It
// returns false when no timer is armed.
func (s *Scheduler) FireNow(id uuid.UUID) bool {
	s.mu.Lock()
	at, ok := s.timers[id]
	if ok {
		at.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if ok {
		s.fire(id)
	}
	return ok
}

// expire runs on the timer goroutine. A stale sequence number means the
// timer was replaced or canceled after it was already scheduled to run.
func (s *Scheduler) expire(id uuid.UUID, seq uint64) {
	s.mu.Lock()
	at, ok := s.timers[id]
	if !ok || at.seq != seq {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	s.fire(id)
}

// Deadline returns the armed deadline for id.
func (s *Scheduler) Deadline(id uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return at.deadline, true
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every timer and refuses further Arm calls.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
}
