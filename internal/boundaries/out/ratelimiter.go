package out

import "context"

// RateLimiter defines the contract for throttling build submissions.
// Keys partition the limit; the HTTP layer keys by client IP.
type RateLimiter interface {
	// Allow reports whether one more request under key may proceed.
	Allow(ctx context.Context, key string) bool

	// AllowN reports whether n more requests under key may proceed.
	AllowN(ctx context.Context, key string, n int) bool
}
