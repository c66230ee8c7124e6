package acquisition

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff"
)

// maxBackoffShift caps the exponent so a large attempt count cannot
// overflow the duration.
const maxBackoffShift = 16

// jitteredBackOff yields base*2^n plus a uniform jitter in [0, jitter) for
// the n-th retry, starting at n=0.
type jitteredBackOff struct {
	base    time.Duration
	jitter  time.Duration
	attempt int
	rand    func(n int64) int64
}

var _ backoff.BackOff = (*jitteredBackOff)(nil)

func newJitteredBackOff(base, jitter time.Duration) *jitteredBackOff {
	return &jitteredBackOff{base: base, jitter: jitter, rand: rand.Int64N}
}

// NextBackOff implements backoff.BackOff. Stopping is left to
// backoff.WithMaxRetries.
func (b *jitteredBackOff) NextBackOff() time.Duration {
	shift := min(b.attempt, maxBackoffShift)
	b.attempt++

	d := b.base << shift
	if b.jitter > 0 {
		d += time.Duration(b.rand(int64(b.jitter)))
	}
	return d
}

// Reset implements backoff.BackOff.
func (b *jitteredBackOff) Reset() { b.attempt = 0 }

// retryPolicy builds the policy for one logical fetch: at most maxRetries
// attempts in total, abandoned when the context is done.
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	retries := c.cfg.MaxRetries - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(
		backoff.WithMaxRetries(newJitteredBackOff(c.cfg.BaseDelay, c.cfg.Jitter), uint64(retries)),
		ctx,
	)
}
