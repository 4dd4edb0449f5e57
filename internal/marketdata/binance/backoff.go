package binance

import "time"

// Backoff yields reconnect delays that start at Initial, double on every
// consecutive failure and stop growing at Max. Reset returns it to Initial.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	cur     time.Duration
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Initial
	}
	d := b.cur
	b.cur *= 2
	if b.cur > b.Max {
		b.cur = b.Max
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset is called after any successfully received message.
func (b *Backoff) Reset() { b.cur = 0 }
