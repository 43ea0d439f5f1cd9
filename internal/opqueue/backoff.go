package opqueue

import (
	"math"
	"time"
)

// Backoff computes retry delays as min(Max, Initial * Multiplier^(attempt-1)).
// It is deterministic: the same attempt number always yields the same delay.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// NewBackoff builds the backoff policy described by cfg.
func NewBackoff(cfg Config) Backoff {
	return Backoff{
		Initial:    cfg.InitialDelay,
		Max:        cfg.MaxDelay,
		Multiplier: cfg.BackoffMultiplier,
	}
}

// Delay returns the wait before the next attempt after attempt n (1-indexed) failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if b.Max > 0 && (math.IsInf(d, 1) || d > float64(b.Max)) {
		return b.Max
	}
	return time.Duration(d)
}
