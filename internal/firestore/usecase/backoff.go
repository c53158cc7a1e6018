package usecase

import (
	"math/rand"
	"time"
)

const (
	backoffInitialDelay = 1 * time.Second
	backoffMaxDelay     = 60 * time.Second
	backoffFactor       = 1.5
)

// ExponentialBackoff computes reconnect delays: each attempt waits the
// current base delay plus up to 50% jitter in either direction, then the
// base grows by the factor until it hits the cap.
type ExponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	factor       float64
	currentBase  time.Duration
	lastAttempt  time.Time
	rng          *rand.Rand
}

func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		initialDelay: backoffInitialDelay,
		maxDelay:     backoffMaxDelay,
		factor:       backoffFactor,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reset clears the backoff so the next attempt connects immediately.
func (b *ExponentialBackoff) Reset() {
	b.currentBase = 0
}

// ResetToMax jumps straight to the maximum delay, used when the backend
// signals resource exhaustion and fast retries would make it worse.
func (b *ExponentialBackoff) ResetToMax() {
	b.currentBase = b.maxDelay
}

// NextDelay returns how long to wait before the next attempt and advances
// the backoff state. Time already elapsed since the previous attempt
// counts against the delay.
func (b *ExponentialBackoff) NextDelay() time.Duration {
	jitter := time.Duration((b.rng.Float64() - 0.5) * float64(b.currentBase))
	delay := b.currentBase + jitter

	if !b.lastAttempt.IsZero() {
		elapsed := time.Since(b.lastAttempt)
		delay -= elapsed
	}
	if delay < 0 {
		delay = 0
	}
	b.lastAttempt = time.Now()

	b.currentBase = time.Duration(float64(b.currentBase) * b.factor)
	if b.currentBase < b.initialDelay {
		b.currentBase = b.initialDelay
	}
	if b.currentBase > b.maxDelay {
		b.currentBase = b.maxDelay
	}
	return delay
}
