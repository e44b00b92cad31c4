package ws

import "time"

// Backoff yields reconnect delays of Base * 2^(attempt-1), capped at Max when
// Max is set, for at most MaxAttempts attempts (0 means unlimited).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	attempt     int
}

func NewBackoff(base, max time.Duration, maxAttempts int) *Backoff {
	return &Backoff{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and its 1-based number.
// ok is false once MaxAttempts have been handed out.
func (b *Backoff) Next() (d time.Duration, attempt int, ok bool) {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return 0, b.attempt, false
	}
	shift := b.attempt
	if shift > 30 {
		shift = 30
	}
	d = b.Base << shift
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d, b.attempt, true
}

// Attempt returns the number of attempts handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
