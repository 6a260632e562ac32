package adapters

import (
	"context"
	"sync"

	ports "github.com/ZanzyTHEbar/cyoa-agents/cyoa/agents/ports"
)

// KeyedLimiter bounds concurrent holders per key. Unlike a token bucket it blocks
// until a slot frees up, which is what callers sharing one inference server need.
type KeyedLimiter struct {
	mu       sync.Mutex
	slots    map[string]chan struct{}
	capacity int // max concurrent holders per key
}

// NewKeyedLimiter creates a limiter allowing capacity holders per key.
// A capacity of 1 serializes access.
func NewKeyedLimiter(capacity int) *KeyedLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &KeyedLimiter{
		slots:    make(map[string]chan struct{}),
		capacity: capacity,
	}
}

// Acquire blocks until a slot for key is free or ctx is done.
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) (release func(), err error) {
	slot := l.slot(key)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	release = func() {
		once.Do(func() { <-slot })
	}
	return release, nil
}

func (l *KeyedLimiter) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, l.capacity)
		l.slots[key] = s
	}
	return s
}

// Ensure KeyedLimiter implements the RateLimiter interface.
var _ ports.RateLimiter = (*KeyedLimiter)(nil)
