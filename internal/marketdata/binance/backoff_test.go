package binance

import (
	"testing"
	"time"
)

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 60 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	var prev time.Duration
	for i, w := range want {
		got := b.Next()
		if got != w*time.Second {
			t.Fatalf("step %d: got %v, want %v", i, got, w*time.Second)
		}
		if got < prev {
			t.Fatalf("step %d: delay decreased from %v to %v", i, prev, got)
		}
		prev = got
	}
}

func TestBackoff_ResetAfterSuccess(t *testing.T) {
	b := &Backoff{Initial: time.Second, Max: 60 * time.Second}
	for i := 0; i < 5; i++ {
		b.Next()
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Fatalf("after reset: got %v, want 1s", got)
	}
	if got := b.Next(); got != 2*time.Second {
		t.Fatalf("second after reset: got %v, want 2s", got)
	}
}
