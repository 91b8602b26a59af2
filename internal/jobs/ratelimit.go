package jobs

import (
	"sync"
	"time"
)

// tokenBucket limits job starts to at most limit per rolling period.
// The sms_send queue uses it to respect the modem's hardware ceiling.
type tokenBucket struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	starts []time.Time

	now func() time.Time
}

func newTokenBucket(limit int, period time.Duration) *tokenBucket {
	return &tokenBucket{limit: limit, period: period, now: time.Now}
}

// take reserves a start slot. Callers that end up not starting a job
// must call put to release it.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune()
	if len(b.starts) >= b.limit {
		return false
	}
	b.starts = append(b.starts, b.now())
	return true
}

// put releases the most recent reservation.
func (b *tokenBucket) put() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.starts) > 0 {
		b.starts = b.starts[:len(b.starts)-1]
	}
}

func (b *tokenBucket) prune() {
	cutoff := b.now().Add(-b.period)
	kept := b.starts[:0]
	for _, t := range b.starts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.starts = kept
}
