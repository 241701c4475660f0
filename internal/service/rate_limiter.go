package service

import (
	"sync"
	"time"
)

// RateLimiter caps process submissions per client within a sliding one-minute
// window. Keyed by client address since this API has no tenant concept.
type RateLimiter struct {
	mu sync.Mutex

	maxSubmissionsPerMinute int
	submissionWindows       map[string]*submissionWindow
}

type submissionWindow struct {
	count     int
	windowEnd time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(maxSubmissionsPerMinute int) *RateLimiter {
	return &RateLimiter{
		maxSubmissionsPerMinute: maxSubmissionsPerMinute,
		submissionWindows:       make(map[string]*submissionWindow),
	}
}

// CheckSubmissionRate checks if a client can submit another job
func (rl *RateLimiter) CheckSubmissionRate(client string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	window, exists := rl.submissionWindows[client]

	if !exists || now.After(window.windowEnd) {
		rl.submissionWindows[client] = &submissionWindow{
			count:     1,
			windowEnd: now.Add(1 * time.Minute),
		}
		return nil
	}

	if window.count >= rl.maxSubmissionsPerMinute {
		return ErrRateLimitExceeded
	}

	window.count++
	return nil
}
