package ratelimit

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter controls request throughput per key.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// UsageCounter tracks sent messages per service over a rolling window.
type UsageCounter interface {
	Count(ctx context.Context, serviceID string) (int64, error)
	Increment(ctx context.Context, serviceID string) error
}

var _ RateLimiter = (*LocalLimiter)(nil)

// LocalLimiter is an in-process token bucket per key.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	qps      float64
	burst    int
}

// NewLocalLimiter returns a limiter allowing qps requests per second per key.
// A non-positive qps disables limiting.
func NewLocalLimiter(qps float64, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}

	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		qps:      qps,
		burst:    burst,
	}
}

func (l *LocalLimiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.qps <= 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return l.limiter(key).Wait(ctx)
}

func (l *LocalLimiter) limiter(key string) *rate.Limiter {
	key = strings.ToLower(strings.TrimSpace(key))

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.qps), l.burst)
		l.limiters[key] = lim
	}
	return lim
}

var _ RateLimiter = Chain(nil)

// Chain waits on each limiter in order. Nil entries are skipped.
type Chain []RateLimiter

func (c Chain) Wait(ctx context.Context, key string) error {
	for _, l := range c {
		if l == nil {
			continue
		}
		if err := l.Wait(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
