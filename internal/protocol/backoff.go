package protocol

import "time"

// Default reconnect policy.
const (
	DefaultBackoffBase     = time.Second
	DefaultBackoffCap      = 30 * time.Second
	DefaultBackoffAttempts = 10
)

// Backoff is a linear, capped reconnect policy.
type Backoff struct {
	// Base is multiplied by the attempt number.
	Base time.Duration

	// Cap bounds every delay.
	Cap time.Duration

	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the client gives up. Zero means retry forever.
	MaxAttempts int
}

// Delay returns min(Base*attempt, Cap). Attempts below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base * time.Duration(attempt)
	if d > b.Cap || d < 0 {
		return b.Cap
	}
	return d
}

// Exhausted reports whether attempt is past MaxAttempts.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoffCap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	return b
}
