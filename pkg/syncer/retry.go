package syncer

import (
	"math"
	"math/rand/v2"
	"time"
)

// Retryer decides when a failed flush is attempted again without waiting for
// the next local write.
type Retryer interface {
	// NextDelay returns the delay before retry number attempt (0-based) and
	// whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful flush.
	Reset()
}

// BackoffRetryer grows the delay exponentially, with optional jitter.
type BackoffRetryer struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxRetries caps consecutive retries; 0 retries forever.
	MaxRetries int
	// JitterFactor spreads each delay by up to ±JitterFactor of itself.
	JitterFactor float64
}

func NewBackoffRetryer() *BackoffRetryer {
	return &BackoffRetryer{
		InitialDelay: 2 * time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2.0,
		MaxRetries:   8,
		JitterFactor: 0.2,
	}
}

func (r *BackoffRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // jitter is not security sensitive
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

func (r *BackoffRetryer) Reset() {}

// FixedRetryer waits the same delay before every retry.
type FixedRetryer struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedRetryer(delay time.Duration, maxRetries int) *FixedRetryer {
	return &FixedRetryer{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedRetryer) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

func (r *FixedRetryer) Reset() {}
