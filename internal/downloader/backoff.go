package downloader

import (
	"math/rand"
	"time"
)

const defaultMaxShift = 6

// Backoff computes retry delays: exponential doubling from Base, capped at
// Base<<MaxShift, with full jitter (a uniform draw from [0, cap]) so concurrent
// retries against the same host spread out.
type Backoff struct {
	Base time.Duration
	// MaxShift bounds the exponent; 0 means the default of 6 (cap = Base * 2^6).
	MaxShift uint
}

// Delay returns the sleep before re-attempting after the given 1-based failed
// attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	maxShift := b.MaxShift
	if maxShift == 0 {
		maxShift = defaultMaxShift
	}
	shift := uint(0)
	if attempt > 1 {
		shift = uint(attempt - 1)
	}
	if shift > maxShift {
		shift = maxShift
	}
	ceiling := b.Base << shift
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
