package modem

import (
	"sync"
	"time"
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

const (
	breakerFailureThreshold = 5
	breakerOpenDuration     = 5 * time.Minute
)

// Breaker is a process-wide circuit breaker shared by all modem
// operations. After breakerFailureThreshold consecutive failures it
// rejects calls without I/O for breakerOpenDuration, then lets a
// single probe through.
type Breaker struct {
	mu                  sync.Mutex
	state               circuitState
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	now func() time.Time
}

func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a call may proceed. Callers that receive true
// must follow up with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if b.now().Sub(b.openedAt) < breakerOpenDuration {
			return false
		}
		b.state = circuitHalfOpen
		b.probing = true
		return true
	case circuitHalfOpen:
		// One probe at a time.
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker and clears the failure counter.
// Half-open transitions to closed here explicitly.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = circuitClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.probing = false
}

// RecordFailure counts a failure. A failed half-open probe reopens the
// breaker with a fresh openedAt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case circuitHalfOpen:
		b.state = circuitOpen
		b.openedAt = b.now()
		b.probing = false
	case circuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= breakerFailureThreshold {
			b.state = circuitOpen
			b.openedAt = b.now()
		}
	}
}
