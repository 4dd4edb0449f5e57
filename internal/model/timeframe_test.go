package model

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeframe(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"1s", time.Second, true},
		{"30s", 30 * time.Second, true},
		{"1m", time.Minute, true},
		{"5m", 5 * time.Minute, true},
		{"4h", 4 * time.Hour, true},
		{" 1m ", time.Minute, true},
		{"", 0, false},
		{"m", 0, false},
		{"0m", 0, false},
		{"-1m", 0, false},
		{"1d", 0, false},
		{"1.5m", 0, false},
		{"abc", 0, false},
	}
	for _, c := range cases {
		tf, err := ParseTimeframe(c.in)
		if !c.ok {
			if !errors.Is(err, ErrInvalidTimeframe) {
				t.Errorf("ParseTimeframe(%q): expected ErrInvalidTimeframe, got %v", c.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeframe(%q): unexpected error %v", c.in, err)
			continue
		}
		if tf.Duration() != c.want {
			t.Errorf("ParseTimeframe(%q) = %v, want %v", c.in, tf.Duration(), c.want)
		}
	}
}

func TestBucketStart_EpochFloored(t *testing.T) {
	tf := MustTimeframe("1m")
	ts := time.Date(2024, 3, 1, 12, 0, 30, 500*int(time.Millisecond), time.UTC)
	got := tf.BucketStart(ts)
	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("bucket start = %v, want %v", got, want)
	}

	tf5 := MustTimeframe("5m")
	got = tf5.BucketStart(time.Date(2024, 3, 1, 12, 9, 59, 0, time.UTC))
	want = time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("5m bucket start = %v, want %v", got, want)
	}
}

func TestBucketStart_ContainsTimestamp(t *testing.T) {
	tfs := []string{"1s", "7s", "1m", "5m", "1h", "3h"}
	base := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	for _, s := range tfs {
		tf := MustTimeframe(s)
		for i := 0; i < 500; i++ {
			ts := base.Add(time.Duration(i*7919) * time.Millisecond)
			b := tf.BucketStart(ts)
			if b.After(ts) || !ts.Before(b.Add(tf.Duration())) {
				t.Fatalf("%s: %v not in [%v, %v)", s, ts, b, b.Add(tf.Duration()))
			}
			if again := tf.BucketStart(ts); !again.Equal(b) {
				t.Fatalf("%s: bucket start not deterministic", s)
			}
		}
	}
}

func TestBucketStart_BeforeEpoch(t *testing.T) {
	tf := MustTimeframe("1m")
	ts := time.UnixMilli(-1500).UTC()
	got := tf.BucketStart(ts)
	if got.UnixMilli() != -60000 {
		t.Fatalf("expected -60000, got %d", got.UnixMilli())
	}
}

func TestPeriodsPerYear(t *testing.T) {
	if got := MustTimeframe("1s").PeriodsPerYear(); got != 525600 {
		t.Errorf("1s: got %v", got)
	}
	if got := MustTimeframe("5m").PeriodsPerYear(); got != 525600 {
		t.Errorf("5m: got %v", got)
	}
	if got := MustTimeframe("1h").PeriodsPerYear(); got != 8760 {
		t.Errorf("1h: got %v", got)
	}
}

func TestParseTimeframes_FailsFast(t *testing.T) {
	if _, err := ParseTimeframes([]string{"1s", "bad", "1m"}); err == nil {
		t.Fatal("expected error for invalid entry")
	}
	tfs, err := ParseTimeframes([]string{"1s", "", "1m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tfs) != 2 || tfs[1].String() != "1m" {
		t.Fatalf("unexpected result: %v", tfs)
	}
}
