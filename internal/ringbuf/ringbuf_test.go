package ringbuf

import (
	"reflect"
	"sync"
	"testing"
)

func TestRing_BasicPushLast(t *testing.T) {
	r := New[string](4)

	r.Push("A")
	r.Push("B")

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
	if got := r.Last(0); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Fatalf("expected [A B], got %v", got)
	}
	if got := r.Last(1); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("expected [B], got %v", got)
	}
}

func TestRing_Empty(t *testing.T) {
	r := New[int](3)
	if got := r.Last(10); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
}

func TestRing_OverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("expected len=3, got %d", r.Len())
	}
	if r.Overwritten() != 2 {
		t.Fatalf("expected overwritten=2, got %d", r.Overwritten())
	}
	if got := r.Last(0); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("expected [3 4 5], got %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("expected [4 5], got %v", got)
	}
}

func TestRing_Wraparound(t *testing.T) {
	r := New[int](100)
	for i := 0; i < 1050; i++ {
		r.Push(i)
	}
	got := r.Last(0)
	if len(got) != 100 {
		t.Fatalf("expected 100 values, got %d", len(got))
	}
	for i, v := range got {
		if v != 950+i {
			t.Fatalf("at index %d: expected %d, got %d", i, 950+i, v)
		}
	}
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := New[int](0)
	if r.Cap() != 1 {
		t.Fatalf("expected cap=1, got %d", r.Cap())
	}
	r.Push(1)
	r.Push(2)
	if got := r.Last(0); !reflect.DeepEqual(got, []int{2}) {
		t.Fatalf("expected [2], got %v", got)
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := New[int](64)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Push(i)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if n := len(r.Last(10)); n > 10 {
					t.Errorf("Last(10) returned %d values", n)
					return
				}
			}
		}()
	}
	wg.Wait()
	if r.Len() != 64 {
		t.Fatalf("expected len=64, got %d", r.Len())
	}
	if r.Overwritten() != 4000-64 {
		t.Fatalf("expected overwritten=%d, got %d", 4000-64, r.Overwritten())
	}
}
