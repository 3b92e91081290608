package middleware

import (
	"time"

	"golang.org/x/time/rate"
)

// CommandLimiter throttles inbound commands on a single connection.
// A nil *CommandLimiter allows everything.
type CommandLimiter struct {
	limiter *rate.Limiter
}

// NewCommandLimiter returns a limiter refilling perSecond tokens up to burst.
// A non-positive rate disables limiting and returns nil.
func NewCommandLimiter(perSecond float64, burst int) *CommandLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &CommandLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more command may be processed now.
func (l *CommandLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

// RetryAfter estimates how long the caller should wait before the next token.
func (l *CommandLimiter) RetryAfter() time.Duration {
	if l == nil {
		return 0
	}
	r := l.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return delay
}
