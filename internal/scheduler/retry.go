package scheduler

import (
	"hash/fnv"
	"strconv"
	"time"
)

// RetryPolicy computes cooldown windows for failed tasks.
type RetryPolicy struct {
	Base           time.Duration
	Cap            time.Duration
	JitterFraction float64 // Jitter upper bound as a fraction of the exponential term
	MaxRetries     int
}

// DefaultRetryPolicy returns base 60s, cap 10m, 30% jitter, 5 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:           60 * time.Second,
		Cap:            10 * time.Minute,
		JitterFraction: 0.3,
		MaxRetries:     5,
	}
}

// Cooldown returns min(base*2^retries + jitter, cap). Jitter is derived from
// the task id and retry count so the same inputs always produce the same
// window. The result never decreases as retries grows.
func (p RetryPolicy) Cooldown(taskID string, retries int) time.Duration {
	if retries < 0 {
		retries = 0
	}
	exp := p.Base
	for i := 0; i < retries; i++ {
		if exp >= p.Cap {
			return p.Cap
		}
		exp *= 2
	}
	if exp >= p.Cap {
		return p.Cap
	}

	d := exp + time.Duration(float64(exp)*p.JitterFraction*unitJitter(taskID, retries))
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether a task that has now failed retries times must be
// failed terminally.
func (p RetryPolicy) Exhausted(retries int) bool {
	return retries >= p.MaxRetries
}

// unitJitter maps (taskID, retries) to a value in [0, 1).
func unitJitter(taskID string, retries int) float64 {
	h := fnv.New64a()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(retries)))
	return float64(h.Sum64()>>11) / float64(1<<53)
}
