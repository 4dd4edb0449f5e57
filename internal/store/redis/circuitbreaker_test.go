package redis

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, 10*time.Second)
	cb.now = clk.now
	return cb, clk
}

var errBoom = errors.New("boom")

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3)
	for i := 0; i < 2; i++ {
		cb.Do(func() error { return errBoom })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %v", cb.State())
	}
	cb.Do(func() error { return errBoom })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %v", cb.State())
	}

	called := false
	if err := cb.Do(func() error { called = true; return nil }); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
	if cb.Trips() != 1 {
		t.Errorf("expected 1 trip, got %d", cb.Trips())
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(2)
	cb.Do(func() error { return errBoom })
	cb.Do(func() error { return nil })
	cb.Do(func() error { return errBoom })
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the breaker, got %v", cb.State())
	}
}

func TestCircuitBreaker_ProbeClosesOnSuccess(t *testing.T) {
	cb, clk := newTestBreaker(1)
	var transitions []State
	cb.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	cb.Do(func() error { return errBoom })
	clk.advance(11 * time.Second)

	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after good probe, got %v", cb.State())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clk := newTestBreaker(1)
	cb.Do(func() error { return errBoom })
	clk.advance(11 * time.Second)
	cb.Do(func() error { return errBoom })

	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %v", cb.State())
	}
	if err := cb.Do(func() error { return nil }); err != ErrCircuitOpen {
		t.Fatalf("cool-down should restart after failed probe, got %v", err)
	}
	if cb.Trips() != 2 {
		t.Errorf("expected 2 trips, got %d", cb.Trips())
	}
}
