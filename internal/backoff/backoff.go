package backoff

import (
	"context"
	"time"
)

// Policy describes an exponential backoff shared by the stream connector and
// the historical fetcher. MaxAttempts <= 0 means unlimited.
type Policy struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int
}

// Backoff tracks consecutive failures against a Policy. It is not safe for
// concurrent use; each retry loop owns its own instance.
type Backoff struct {
	policy   Policy
	attempts int
	delay    time.Duration
}

func New(policy Policy) *Backoff {
	if policy.Factor <= 1 {
		policy.Factor = 2
	}
	return &Backoff{policy: policy, delay: policy.Initial}
}

// Next returns the delay to apply for the current failure and advances the
// schedule: delay(i+1) = min(delay(i) * factor, max).
func (b *Backoff) Next() time.Duration {
	d := b.delay
	b.attempts++

	next := time.Duration(float64(b.delay) * b.policy.Factor)
	if next > b.policy.Max {
		next = b.policy.Max
	}
	b.delay = next

	return d
}

// Reset restores the initial delay after a success.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.delay = b.policy.Initial
}

// Attempts returns the number of consecutive failures recorded since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Exhausted reports whether the attempt cap has been reached.
func (b *Backoff) Exhausted() bool {
	return b.policy.MaxAttempts > 0 && b.attempts >= b.policy.MaxAttempts
}

// Sleep blocks for the next delay, observing context cancellation.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
