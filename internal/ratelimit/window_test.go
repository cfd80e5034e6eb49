package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(start time.Time) (*Limiter, *fakeClock) {
	fc := &fakeClock{t: start}
	l := &Limiter{windows: make(map[string]*window), done: make(chan struct{}), now: fc.Now}
	return l, fc
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func TestLimiter_AllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(time.Now())
	defer l.Close()

	for i := 0; i < 3; i++ {
		r := l.Check("k", 3, 60_000)
		if !r.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}
	r := l.Check("k", 3, 60_000)
	if r.Allowed {
		t.Fatal("4th call should be denied when max=3")
	}
	if r.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", r.Remaining)
	}
}

func TestLimiter_NewWindowAfterElapse(t *testing.T) {
	l, fc := newTestLimiter(time.Now())
	defer l.Close()

	l.Check("k", 1, 1000)
	if r := l.Check("k", 1, 1000); r.Allowed {
		t.Fatal("expected denial within the same window")
	}

	fc.Advance(1100 * time.Millisecond)
	if r := l.Check("k", 1, 1000); !r.Allowed {
		t.Fatal("expected a fresh window to allow the call")
	}
}

func TestLimiter_ResetAtMatchesWindowStart(t *testing.T) {
	start := time.Now()
	l, _ := newTestLimiter(start)
	defer l.Close()

	r := l.Check("k", 1, 60_000)
	want := start.Add(60 * time.Second)
	if !r.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", r.ResetAt, want)
	}
}

func TestLimiter_GlobalCheckedBeforePerKey(t *testing.T) {
	l, _ := newTestLimiter(time.Now())
	defer l.Close()

	// Exhaust the global ceiling; per-key budget is still fresh.
	l.Check(GlobalKey, 1, 60_000)
	r := l.CheckRequest("caller-a", 100, 60_000, 1, 60_000)
	if r.Allowed {
		t.Fatal("expected global ceiling to deny before per-key window is consulted")
	}
}

func TestLimiter_PerKeyIndependentOfOtherKeys(t *testing.T) {
	l, _ := newTestLimiter(time.Now())
	defer l.Close()

	l.CheckRequest("caller-a", 1, 60_000, 1000, 60_000)
	if r := l.CheckRequest("caller-a", 1, 60_000, 1000, 60_000); r.Allowed {
		t.Fatal("expected caller-a's second call to be denied")
	}
	if r := l.CheckRequest("caller-b", 1, 60_000, 1000, 60_000); !r.Allowed {
		t.Fatal("expected caller-b's window to be independent of caller-a's")
	}
}

func TestLimiter_JanitorEvictsStaleWindows(t *testing.T) {
	start := time.Now()
	l, fc := newTestLimiter(start)
	defer l.Close()

	l.Check("stale-key", 10, 60_000)
	fc.Advance(6 * time.Minute)
	l.evictStale()

	l.mu.Lock()
	_, exists := l.windows["stale-key"]
	l.mu.Unlock()
	if exists {
		t.Fatal("expected stale window to be evicted after 5 minutes of inactivity")
	}
}
