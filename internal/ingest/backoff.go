package ingest

import (
	"math/rand"
	"time"
)

// BackoffPolicy produces exponential retry delays with jitter.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry attempt n (0-based). The delay doubles
// per attempt, capped at Max, with up to 25% random jitter added.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	max := b.Max
	if max <= 0 {
		max = time.Minute
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
