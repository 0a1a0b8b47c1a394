package storesync

import "time"

// BackoffStrategy defines how reconnection and retry delays grow between
// attempts.
type BackoffStrategy interface {
	// NextDelay returns the delay before the given (zero-based) attempt.
	NextDelay(attempt int) time.Duration

	// Reset resets the strategy after a successful connection.
	Reset()
}

// ExponentialBackoff implements exponential backoff with a hard cap.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultBackoff returns the reconnect policy used throughout the kit:
// base 1s, factor 2, capped at 30s.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(eb.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.Multiplier
		if time.Duration(delay) >= eb.MaxDelay {
			return eb.MaxDelay
		}
	}
	d := time.Duration(delay)
	if d > eb.MaxDelay {
		d = eb.MaxDelay
	}
	return d
}

func (eb *ExponentialBackoff) Reset() {}
