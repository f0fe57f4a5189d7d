package ratelimit

import "sync"

// KeyFunc resolves the limits to apply to a key the first time it is seen.
type KeyFunc func(key string) Limits

// Limiter owns one Bucket per key, created lazily on first use. This is
// the "local buckets" default mentioned in §9's design note; DistributedLimiter
// (in distributed.go) swaps the per-process map for a shared store.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	resolve KeyFunc
}

// NewLimiter creates a Limiter that resolves unseen keys' limits via resolve.
func NewLimiter(resolve KeyFunc) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		resolve: resolve,
	}
}

func (l *Limiter) bucketFor(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(key, l.resolve(key))
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) CanProceed(key string, estimatedTokens float64) bool {
	return l.bucketFor(key).CanProceed(estimatedTokens)
}

func (l *Limiter) ReportUsage(key string, estimatedTokens float64, actual Usage) {
	l.bucketFor(key).ReportUsage(estimatedTokens, actual)
}

func (l *Limiter) State(key string) State {
	return l.bucketFor(key).State()
}

func (l *Limiter) Reset(key string) {
	l.bucketFor(key).Reset()
}

// Bucket exposes the underlying bucket for a key, primarily so Acquire
// (which needs a context) can be called without widening Limiter's own
// method set for every Bucket method.
func (l *Limiter) Bucket(key string) *Bucket {
	return l.bucketFor(key)
}
