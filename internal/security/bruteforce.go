package security

import (
	"sync"
	"time"

	"vncproxy/internal/clock"
)

// BruteForceProtector blocks an IP for blockDuration after maxAttempts
// consecutive authentication failures.
type BruteForceProtector struct {
	mu            sync.RWMutex
	attempts      map[string]*ipAttempts
	maxAttempts   int
	blockDuration time.Duration
	clock         clock.Clock
}

type ipAttempts struct {
	count       int
	lastFailure time.Time
	blockedAt   *time.Time
}

func NewBruteForceProtector(maxAttempts int, blockDuration time.Duration, clk clock.Clock) *BruteForceProtector {
	if clk == nil {
		clk = clock.Real()
	}
	return &BruteForceProtector{
		attempts:      make(map[string]*ipAttempts),
		maxAttempts:   maxAttempts,
		blockDuration: blockDuration,
		clock:         clk,
	}
}

// Check reports whether ip may attempt authentication. A zero maxAttempts
// disables the lockout.
func (bf *BruteForceProtector) Check(ip string) bool {
	if bf.maxAttempts <= 0 {
		return true
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		return true
	}

	if attempts.blockedAt != nil {
		if bf.clock.Now().Sub(*attempts.blockedAt) < bf.blockDuration {
			return false
		}
		attempts.count = 0
		attempts.blockedAt = nil
	}

	return attempts.count < bf.maxAttempts
}

// RecordFailure counts a failure and reports whether ip is now blocked.
func (bf *BruteForceProtector) RecordFailure(ip string) bool {
	if bf.maxAttempts <= 0 {
		return false
	}

	bf.mu.Lock()
	defer bf.mu.Unlock()

	attempts, exists := bf.attempts[ip]
	if !exists {
		attempts = &ipAttempts{}
		bf.attempts[ip] = attempts
	}

	now := bf.clock.Now()
	attempts.count++
	attempts.lastFailure = now
	if attempts.count >= bf.maxAttempts && attempts.blockedAt == nil {
		attempts.blockedAt = &now
		return true
	}
	return attempts.blockedAt != nil
}

func (bf *BruteForceProtector) RecordSuccess(ip string) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	delete(bf.attempts, ip)
}

// Prune drops entries whose block has lapsed and unblocked entries whose
// last failure is older than the block duration.
func (bf *BruteForceProtector) Prune() int {
	now := bf.clock.Now()

	bf.mu.Lock()
	defer bf.mu.Unlock()

	removed := 0
	for ip, attempts := range bf.attempts {
		stale := now.Sub(attempts.lastFailure) >= bf.blockDuration
		if attempts.blockedAt != nil {
			stale = now.Sub(*attempts.blockedAt) >= bf.blockDuration
		}
		if stale {
			delete(bf.attempts, ip)
			removed++
		}
	}
	return removed
}
