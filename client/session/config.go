package session

import (
	"time"
)

// Config holds configuration for the session controller.
type Config struct {
	// ChunkSize is the size of every chunk but the last.
	// Default: 2 MiB
	ChunkSize int64

	// Concurrency is the number of chunks sent in parallel. A window of this many
	// chunks has to finish before the next window starts.
	// Default: 3
	Concurrency int

	// MaxRetries is the number of send attempts per chunk before it is marked failed.
	// Default: 3
	MaxRetries int

	// BaseBackoff and MaxBackoff bound the delay before resending a chunk:
	// min(BaseBackoff * 2^attempts, MaxBackoff).
	// Default: 1 second and 30 seconds
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// StatusInterval is the period of the server status poller.
	// Default: 3 seconds
	StatusInterval time.Duration

	// ProgressTimeout is how long the poller waits without any chunk completing
	// before it resends the chunks the server reports missing.
	// Default: 10 seconds
	ProgressTimeout time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       2 * 1024 * 1024,
		Concurrency:     3,
		MaxRetries:      3,
		BaseBackoff:     time.Second,
		MaxBackoff:      30 * time.Second,
		StatusInterval:  3 * time.Second,
		ProgressTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = d.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.ProgressTimeout <= 0 {
		c.ProgressTimeout = d.ProgressTimeout
	}
	return c
}

// backoff returns the delay before the next attempt of a chunk that already failed attempts times.
func (c Config) backoff(attempts int) time.Duration {
	d := c.BaseBackoff
	if d >= c.MaxBackoff {
		return c.MaxBackoff
	}
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}
