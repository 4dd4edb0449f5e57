package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimeframe is returned for timeframe strings that are not <N>s, <N>m or <N>h.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Minutes and hours in a 365-day year, used for annualizing returns.
const (
	minutesPerYear = 365 * 24 * 60
	hoursPerYear   = 365 * 24
)

// Timeframe is a parsed candle granularity such as "1s", "1m", "5m" or "1h".
type Timeframe struct {
	label string
	unit  byte
	d     time.Duration
}

// ParseTimeframe parses a timeframe string. The number must be a positive integer.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}

	var base time.Duration
	switch unit {
	case 's':
		base = time.Second
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	default:
		return Timeframe{}, fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return Timeframe{
		label: strconv.Itoa(n) + string(unit),
		unit:  unit,
		d:     time.Duration(n) * base,
	}, nil
}

// MustTimeframe is ParseTimeframe for constants; it panics on error.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

// ParseTimeframes parses a list, failing on the first invalid entry.
func ParseTimeframes(list []string) ([]Timeframe, error) {
	out := make([]Timeframe, 0, len(list))
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		tf, err := ParseTimeframe(s)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}

func (tf Timeframe) String() string          { return tf.label }
func (tf Timeframe) Duration() time.Duration { return tf.d }

// BucketStart floors t to the timeframe boundary, measured from the Unix epoch.
// The result is a pure function of t and the timeframe, so buckets are stable
// across restarts and across instruments.
func (tf Timeframe) BucketStart(t time.Time) time.Time {
	ms := t.UnixMilli()
	d := tf.d.Milliseconds()
	q := ms / d
	if ms%d != 0 && ms < 0 {
		q--
	}
	return time.UnixMilli(q * d).UTC()
}

// PeriodsPerYear is the annualization factor for volatility: minutes in a
// year for second and minute timeframes, hours in a year otherwise.
func (tf Timeframe) PeriodsPerYear() float64 {
	if tf.unit == 'h' {
		return hoursPerYear
	}
	return minutesPerYear
}
