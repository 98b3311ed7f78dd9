package scheduler

import (
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 2 * time.Second
	defaultBackoffCap  = 30 * time.Second
	backoffJitter      = 0.2
)

// RetryPolicy bounds how often and how fast a task is retried.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy returns the standard retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: defaultBackoffBase,
		BackoffCap:  defaultBackoffCap,
	}
}

// Backoff computes the delay before retry attempt n (1-based): base
// doubled per attempt, capped, with plus or minus 20% jitter.
func (p RetryPolicy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = defaultBackoffBase
	}
	capD := p.BackoffCap
	if capD <= 0 {
		capD = defaultBackoffCap
	}

	d := base
	for i := 1; i < attempt && d < capD; i++ {
		d *= 2
	}
	if d > capD {
		d = capD
	}

	if rng != nil {
		jitter := 1 + backoffJitter*(2*rng.Float64()-1)
		d = time.Duration(float64(d) * jitter)
	}
	return d
}
