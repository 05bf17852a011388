package resilience

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 3, Cooldown: time.Minute}, clk.Now, nil)

	for i := 0; i < 2; i++ {
		tk, ok := b.admit()
		if !ok {
			t.Fatalf("attempt %d: expected admission while closed", i)
		}
		b.record(tk, false)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", b.State())
	}

	tk, _ := b.admit()
	b.record(tk, false)
	if b.State() != StateOpen {
		t.Fatalf("expected open at threshold, got %s", b.State())
	}
	if _, ok := b.admit(); ok {
		t.Error("expected rejection while open")
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 2, Cooldown: time.Minute}, clk.Now, nil)

	tk, _ := b.admit()
	b.record(tk, false)
	tk, _ = b.admit()
	b.record(tk, true)
	tk, _ = b.admit()
	b.record(tk, false)

	if b.State() != StateClosed {
		t.Errorf("expected closed, failures are not consecutive; got %s", b.State())
	}
	if got := b.Snapshot().Failures; got != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", got)
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Minute}, clk.Now, nil)

	tk, _ := b.admit()
	b.record(tk, false)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	clk.Advance(59 * time.Second)
	if _, ok := b.admit(); ok {
		t.Fatal("expected rejection before cooldown elapsed")
	}

	clk.Advance(time.Second)
	trial, ok := b.admit()
	if !ok || !trial.trial {
		t.Fatal("expected a trial admission after cooldown")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	if _, ok := b.admit(); ok {
		t.Error("expected second caller rejected while trial in flight")
	}

	b.record(trial, true)
	if b.State() != StateClosed {
		t.Errorf("expected closed after successful trial, got %s", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Minute}, clk.Now, nil)

	tk, _ := b.admit()
	b.record(tk, false)
	clk.Advance(time.Minute)

	trial, ok := b.admit()
	if !ok {
		t.Fatal("expected trial admission")
	}
	b.record(trial, false)
	if b.State() != StateOpen {
		t.Fatalf("expected reopened, got %s", b.State())
	}
	if _, ok := b.admit(); ok {
		t.Error("expected fresh cooldown after failed trial")
	}
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Minute}, clk.Now, nil)

	slow, _ := b.admit()
	fast, _ := b.admit()
	b.record(fast, false)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// The slow call was admitted before the breaker opened.
	b.record(slow, true)
	if b.State() != StateOpen {
		t.Errorf("expected stale success to be dropped, got %s", b.State())
	}
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Minute}, clk.Now, nil)

	tk, _ := b.admit()
	b.record(tk, false)
	clk.Advance(time.Minute)

	trial, _ := b.admit()
	b.release(trial)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open after release, got %s", b.State())
	}
	if _, ok := b.admit(); !ok {
		t.Error("expected a new trial after release")
	}
}

func TestBreaker_ConcurrentHalfOpenAdmission(t *testing.T) {
	clk := newFakeClock()
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Minute}, clk.Now, nil)
	tk, _ := b.admit()
	b.record(tk, false)
	clk.Advance(time.Minute)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := b.admit(); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Errorf("expected exactly one trial admitted, got %d", admitted)
	}
}

func TestBreaker_OnChange(t *testing.T) {
	clk := newFakeClock()
	var seen []State
	b := newBreaker("ocr", BreakerConfig{Threshold: 1, Cooldown: time.Second}, clk.Now, func(_ string, to State) {
		seen = append(seen, to)
	})

	tk, _ := b.admit()
	b.record(tk, false)
	clk.Advance(time.Second)
	tk, _ = b.admit()
	b.record(tk, true)

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig())
	r.Configure("ocr", BreakerConfig{Threshold: 2, Cooldown: time.Second})
	r.Breaker("rxnav")
	r.Breaker("ocr")

	snaps := r.Snapshot()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(snaps))
	}
	if snaps[0].Dependency != "ocr" || snaps[1].Dependency != "rxnav" {
		t.Errorf("expected sorted order, got %s, %s", snaps[0].Dependency, snaps[1].Dependency)
	}
	if snaps[0].Threshold != 2 {
		t.Errorf("expected override threshold 2, got %d", snaps[0].Threshold)
	}
	if snaps[1].Threshold != 5 {
		t.Errorf("expected default threshold 5, got %d", snaps[1].Threshold)
	}
	if r.Breaker("ocr") != r.Breaker("ocr") {
		t.Error("expected the same breaker instance per dependency")
	}
}
