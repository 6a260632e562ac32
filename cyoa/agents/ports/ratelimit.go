package agentports

import "context"

// RateLimiter coordinates access to shared backends.
type RateLimiter interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}
