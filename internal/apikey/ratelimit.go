package apikey

import (
	"sync"
	"time"
)

const bucketSeconds = 3600

type bucketKey struct {
	keyID  string
	bucket int64
}

// Limiter counts requests per (api key, hour bucket) in memory.
// Counters reset on restart; acceptable for single-node deployment.
type Limiter struct {
	mu       sync.Mutex
	counters map[bucketKey]int

	now func() time.Time
}

// NewLimiter creates an hourly per-key rate limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		counters: make(map[bucketKey]int),
		now:      time.Now,
	}
}

// Allow records one request for the key's current hour bucket.
// remaining is how many requests are left in the bucket after this one;
// reset is the unix second the next bucket starts. When the limit is
// already reached the counter is not incremented and allowed is false.
func (l *Limiter) Allow(keyID string, limit int) (allowed bool, remaining int, reset int64) {
	bucket := l.now().Unix() / bucketSeconds
	reset = (bucket + 1) * bucketSeconds

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(bucket)

	k := bucketKey{keyID: keyID, bucket: bucket}
	count := l.counters[k]
	if count >= limit {
		return false, 0, reset
	}
	l.counters[k] = count + 1
	return true, limit - (count + 1), reset
}

// pruneLocked drops buckets from past hours.
func (l *Limiter) pruneLocked(current int64) {
	for k := range l.counters {
		if k.bucket < current {
			delete(l.counters, k)
		}
	}
}
