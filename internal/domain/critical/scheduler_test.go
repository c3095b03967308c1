package critical

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

type fireLog struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (l *fireLog) fire(id uuid.UUID) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

func (l *fireLog) count(id uuid.UUID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.ids {
		if got == id {
			n++
		}
	}
	return n
}

func TestScheduler_FiresOnceAtDeadline(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(15*time.Minute))
	if d, ok := s.Deadline(id); !ok || !d.Equal(t0.Add(15*time.Minute)) {
		t.Fatalf("unexpected deadline %v %v", d, ok)
	}

	clock.Advance(14 * time.Minute)
	if log.count(id) != 0 {
		t.Fatal("fired before deadline")
	}
	clock.Advance(time.Minute)
	if log.count(id) != 1 {
		t.Fatalf("expected one fire at deadline, got %d", log.count(id))
	}
	clock.Advance(time.Hour)
	if log.count(id) != 1 {
		t.Errorf("expected exactly one fire, got %d", log.count(id))
	}
	if s.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", s.Pending())
	}
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(time.Minute))
	if !s.Cancel(id) {
		t.Fatal("expected cancel of armed timer to report true")
	}
	clock.Advance(time.Hour)
	if log.count(id) != 0 {
		t.Error("canceled timer fired")
	}
}

func TestScheduler_CancelAfterFireIsNoop(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(time.Minute))
	clock.Advance(time.Minute)

	if s.Cancel(id) {
		t.Error("cancel after fire should report false")
	}
	if s.Cancel(id) {
		t.Error("second cancel should report false")
	}
	if s.Cancel(uuid.New()) {
		t.Error("cancel of unknown id should report false")
	}
}

func TestScheduler_RearmReplaces(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(time.Minute))
	s.Arm(id, t0.Add(10*time.Minute))
	if s.Pending() != 1 {
		t.Fatalf("expected one timer per id, got %d", s.Pending())
	}

	clock.Advance(5 * time.Minute)
	if log.count(id) != 0 {
		t.Fatal("replaced timer fired")
	}
	clock.Advance(5 * time.Minute)
	if log.count(id) != 1 {
		t.Errorf("expected replacement to fire once, got %d", log.count(id))
	}
}

func TestScheduler_StaleTimerIgnored(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(time.Minute))
	s.mu.Lock()
	staleSeq := s.timers[id].seq
	s.mu.Unlock()
	s.Arm(id, t0.Add(time.Hour))

	// A callback from the replaced timer that was already running.
	s.expire(id, staleSeq)
	if log.count(id) != 0 {
		t.Error("stale timer callback must not fire")
	}
	if s.Pending() != 1 {
		t.Error("stale callback must not remove the live timer")
	}
}

func TestScheduler_PastDeadlineFiresImmediately(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	s.Arm(id, t0.Add(-time.Hour))
	clock.Advance(0)
	if log.count(id) != 1 {
		t.Errorf("expected overdue deadline to fire, got %d", log.count(id))
	}
}

func TestScheduler_FireNow(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)
	id := uuid.New()

	if s.FireNow(id) {
		t.Error("FireNow without an armed timer should report false")
	}
	s.Arm(id, t0.Add(time.Hour))
	if !s.FireNow(id) {
		t.Fatal("expected FireNow to fire the armed timer")
	}
	clock.Advance(2 * time.Hour)
	if log.count(id) != 1 {
		t.Errorf("expected a single fire, got %d", log.count(id))
	}
}

func TestScheduler_Stop(t *testing.T) {
	clock := newFakeClock(t0)
	var log fireLog
	s := NewScheduler(clock, log.fire)

	a, b := uuid.New(), uuid.New()
	s.Arm(a, t0.Add(time.Minute))
	s.Stop()
	s.Arm(b, t0.Add(time.Minute))

	clock.Advance(time.Hour)
	if log.count(a)+log.count(b) != 0 {
		t.Error("no timer should fire after Stop")
	}
	if clock.armed() != 0 {
		t.Errorf("expected every clock timer stopped, got %d", clock.armed())
	}
}

func TestScheduler_RealClock(t *testing.T) {
	done := make(chan uuid.UUID, 1)
	s := NewScheduler(nil, func(id uuid.UUID) { done <- id })
	id := uuid.New()

	s.Arm(id, time.Now().Add(10*time.Millisecond))
	select {
	case got := <-done:
		if got != id {
			t.Errorf("fired for %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("real clock timer did not fire")
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	id := uuid.New()

	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(id)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d", counter)
	}
	if k.size() != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", k.size())
	}
}
