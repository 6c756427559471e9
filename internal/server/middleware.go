package server

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

const MaxUsernameLength = 20

// RateLimiter is a per-connection sliding window limiter.
// Why sliding window: prevents bursts at window edges that a fixed window allows
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	requests    map[string][]time.Time // connectionID -> recent request times
	mu          sync.Mutex
	now         func() time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		requests:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

// Allow records a request and reports whether it fits the budget. Rejected
// requests are not recorded.
func (r *RateLimiter) Allow(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	recent := pruneBefore(r.requests[connectionID], now.Add(-r.window))

	if len(recent) >= r.maxRequests {
		r.requests[connectionID] = recent
		return false
	}

	r.requests[connectionID] = append(recent, now)
	return true
}

// Cleanup drops connections with no requests inside the window.
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.window)
	for connID, timestamps := range r.requests {
		if recent := pruneBefore(timestamps, cutoff); len(recent) == 0 {
			delete(r.requests, connID)
		} else {
			r.requests[connID] = recent
		}
	}
}

func (r *RateLimiter) RemoveConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, connectionID)
}

func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// pruneBefore keeps timestamps after cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	for i, ts := range timestamps {
		if ts.After(cutoff) {
			return timestamps[i:]
		}
	}
	return timestamps[:0]
}

// ValidateUsername checks username requirements
func ValidateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return fmt.Errorf("USERNAME_INVALID: Username cannot be empty")
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("USERNAME_INVALID: Username too long (max %d characters)", MaxUsernameLength)
	}
	for _, ch := range username {
		if unicode.IsSpace(ch) || unicode.IsControl(ch) {
			return fmt.Errorf("USERNAME_INVALID: Username cannot contain whitespace")
		}
	}
	return nil
}
