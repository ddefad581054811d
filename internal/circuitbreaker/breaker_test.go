package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move past the cool-down without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 11, 5, 14, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	if !b.Allow("kafka") {
		t.Fatal("expected closed circuit to allow")
	}
	if b.State("kafka") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("kafka"))
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	if !b.Allow("kafka") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("kafka")
	if b.Allow("kafka") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("kafka") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("kafka"))
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure("webhook")
	b.RecordFailure("webhook")
	if b.Allow("webhook") {
		t.Fatal("should be open")
	}

	clock.Advance(time.Minute)
	if !b.Allow("webhook") {
		t.Fatal("should allow probe after cool-down")
	}
	if b.State("webhook") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("webhook"))
	}
	if b.Allow("webhook") {
		t.Fatal("should reject a second call while probing")
	}
}

func TestBreaker_ProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	b.RecordFailure("kafka")
	clock.Advance(time.Second)
	b.Allow("kafka")

	b.RecordSuccess("kafka")
	if b.State("kafka") != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State("kafka"))
	}
	if !b.Allow("kafka") {
		t.Fatal("closed circuit should allow")
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Second)
	b.RecordFailure("kafka")
	clock.Advance(time.Second)
	b.Allow("kafka")

	b.RecordFailure("kafka")
	if b.State("kafka") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("kafka"))
	}
	if b.Allow("kafka") {
		t.Fatal("reopened circuit should reject until the next cool-down")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	b.RecordSuccess("kafka")
	b.RecordFailure("kafka")
	b.RecordFailure("kafka")
	if b.State("kafka") != StateClosed {
		t.Fatal("non-consecutive failures should not trip the circuit")
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("kafka")
	if b.Allow("kafka") {
		t.Fatal("kafka should be open")
	}
	if !b.Allow("webhook") {
		t.Fatal("webhook should be unaffected")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	boom := errors.New("broker unavailable")

	calls := 0
	fail := func() error { calls++; return boom }

	if err := b.Do("kafka", fail); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := b.Do("kafka", fail); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := b.Do("kafka", fail); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("fn should not run while open, ran %d times", calls)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)

	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		if key == "kafka" {
			got <- [2]State{from, to}
		}
	})
	b.RecordFailure("kafka")

	select {
	case tr := <-got:
		if tr[0] != StateClosed || tr[1] != StateOpen {
			t.Fatalf("unexpected transition %v -> %v", tr[0], tr[1])
		}
	case <-time.After(time.Second):
		t.Fatal("transition callback not invoked")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.threshold != 5 || b.openDuration != 30*time.Second {
		t.Fatalf("unexpected defaults: %d, %v", b.threshold, b.openDuration)
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(9):      "unknown",
	} {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b, _ := newTestBreaker(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Allow("kafka")
				b.RecordFailure("kafka")
				b.RecordSuccess("kafka")
			}
		}()
	}
	wg.Wait()
}
