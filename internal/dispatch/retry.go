package dispatch

import (
	"sync"
	"time"
)

// Decision is the retry policy's verdict after a failed attempt.
type Decision struct {
	// DeadLetter is set once the attempt budget is exhausted; the message
	// must not be rescheduled.
	DeadLetter bool
	// Delay is how long to wait before redelivery when retrying.
	Delay time.Duration
	// Attempt is the failure count for this notification, this one included.
	Attempt int
}

// RetryPolicy tracks failure counts and backoff per notification id.
// State is keyed by id so concurrent messages never perturb each other's
// schedule, created lazily on first failure and discarded on any terminal
// outcome. Nothing is persisted across restarts.
type RetryPolicy struct {
	base        time.Duration
	maxAttempts int
	maxBackoff  time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

// NewRetryPolicy creates a RetryPolicy with the given base interval, attempt
// budget, and backoff ceiling. A non-positive ceiling leaves growth unbounded.
func NewRetryPolicy(base time.Duration, maxAttempts int, maxBackoff time.Duration) *RetryPolicy {
	if base <= 0 {
		base = 5 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryPolicy{
		base:        base,
		maxAttempts: maxAttempts,
		maxBackoff:  maxBackoff,
		attempts:    make(map[string]int),
	}
}

// OnFailure records a failed attempt for the notification and decides
// between a delayed retry and dead-lettering. The dead-letter decision also
// drops the entry; no tombstone is kept.
func (p *RetryPolicy) OnFailure(notificationID string) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempt := p.attempts[notificationID] + 1
	if attempt >= p.maxAttempts {
		delete(p.attempts, notificationID)
		return Decision{DeadLetter: true, Attempt: attempt}
	}

	p.attempts[notificationID] = attempt
	return Decision{Delay: p.Backoff(attempt), Attempt: attempt}
}

// Clear discards retry state for the notification and returns how many
// failed attempts had accumulated.
func (p *RetryPolicy) Clear(notificationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := p.attempts[notificationID]
	delete(p.attempts, notificationID)
	return attempts
}

// Attempts reports the failure count currently recorded for a notification.
func (p *RetryPolicy) Attempts(notificationID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[notificationID]
}

// Backoff returns the delay scheduled after the k-th consecutive failure:
// base doubled per failure, capped at the configured ceiling.
func (p *RetryPolicy) Backoff(k int) time.Duration {
	if k < 1 {
		k = 1
	}

	delay := p.base
	for i := 1; i < k; i++ {
		delay *= 2
		if p.maxBackoff > 0 && delay >= p.maxBackoff {
			return p.maxBackoff
		}
		if delay < 0 {
			// overflow
			return p.maxBackoff
		}
	}
	if p.maxBackoff > 0 && delay > p.maxBackoff {
		return p.maxBackoff
	}
	return delay
}
