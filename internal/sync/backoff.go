package sync

import (
	"math/rand"
	"time"
)

// backoff computes retry delays: exponential from base, capped, with ±20%
// jitter so pages that failed together do not retry in lockstep.
type backoff struct {
	base time.Duration
	cap  time.Duration
}

func defaultBackoff() backoff {
	return backoff{base: 500 * time.Millisecond, cap: time.Minute}
}

func (b backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 0; i < attempt && d < b.cap; i++ {
		d *= 2
	}
	if d > b.cap {
		d = b.cap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5+1)) - d/10
	return d + jitter
}
