package opqueue

import "time"

// Config holds the retry and scheduling policy of a Queue.
type Config struct {
	// MaxAttempts is the attempt ceiling before a job is dead-lettered.
	MaxAttempts int
	// InitialDelay is the retry delay after the first failed attempt.
	InitialDelay time.Duration
	// MaxDelay caps the retry delay.
	MaxDelay time.Duration
	// BackoffMultiplier grows the delay between successive attempts.
	BackoffMultiplier float64
	// ProcessingTimeout bounds a single processor invocation.
	ProcessingTimeout time.Duration
	// Concurrency is how many due jobs one drain cycle runs at once.
	// 1 processes them sequentially.
	Concurrency int
	// PollInterval is the fallback drain period used by Run.
	PollInterval time.Duration
}

// DefaultConfig returns the default queue policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2,
		ProcessingTimeout: 60 * time.Second,
		Concurrency:       1,
		PollInterval:      5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = def.ProcessingTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	return c
}
