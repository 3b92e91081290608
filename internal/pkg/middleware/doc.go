// Package middleware provides rate limiting for the relay's HTTP surface and
// for commands arriving on an established connection.
//
// Available limiters:
//   - RateLimiter: per-client HTTP rate limiting using token bucket algorithm
//   - CommandLimiter: per-session token bucket for inbound websocket commands
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	handler = rl.Middleware(handler)
package middleware
