package matchmaking

import (
	"sync"
	"time"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
)

// Trigger says who asked for a search.
type Trigger int

const (
	// TriggerUser is an explicit find from the participant. It re-enables
	// automatic search and resets the attempt counter.
	TriggerUser Trigger = iota
	// TriggerAuto is a search the client started on its own, on connect.
	// Bounded by MaxAttempts.
	TriggerAuto
	// TriggerRequeue re-sends a search after the relay paired us with
	// ourselves. It counts against MaxAttempts but is not spaced, since the
	// relay chose when it happens.
	TriggerRequeue
)

func (t Trigger) String() string {
	switch t {
	case TriggerAuto:
		return "auto"
	case TriggerRequeue:
		return "requeue"
	default:
		return "user"
	}
}

const (
	DefaultMaxAttempts    = 2
	DefaultCooldownWindow = time.Second
)

// RateLimiter bounds how often this session may ask the relay for a
// partner. It is the only place search pacing is decided.
type RateLimiter struct {
	mu sync.Mutex

	maxAttempts    int
	cooldownWindow time.Duration

	attemptCount    int
	lastAttemptTime time.Time
	// serverBlockedUntil is set from findPartnerCooldown and only binds
	// automatic searches; an explicit find is left for the relay to judge.
	serverBlockedUntil time.Time
}

// NewRateLimiter creates a limiter. Non-positive values select defaults.
func NewRateLimiter(maxAttempts int, cooldownWindow time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if cooldownWindow < 0 {
		cooldownWindow = DefaultCooldownWindow
	}
	return &RateLimiter{maxAttempts: maxAttempts, cooldownWindow: cooldownWindow}
}

// Admit decides whether a search may be sent now and, if so, records it.
//
// Every trigger except TriggerRequeue must respect the spacing window.
// Automatic searches are additionally refused once maxAttempts of them have
// been made without a match, and while a server cooldown is in force.
func (r *RateLimiter) Admit(trigger Trigger, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if trigger != TriggerRequeue && !r.lastAttemptTime.IsZero() && now.Sub(r.lastAttemptTime) < r.cooldownWindow {
		return faults.ErrRateLimited
	}

	switch trigger {
	case TriggerAuto, TriggerRequeue:
		if r.attemptCount >= r.maxAttempts {
			return faults.ErrAutoSearchDisabled
		}
		if now.Before(r.serverBlockedUntil) {
			return faults.ErrServerCooldown
		}
		r.attemptCount++
	default:
		r.attemptCount = 0
		r.serverBlockedUntil = time.Time{}
	}
	r.lastAttemptTime = now
	return nil
}

// RecordSkip records the search that follows the participant's own skip.
// It is never refused: the skip was an explicit action, so the attempt
// counter and any server block are cleared as for an explicit find.
func (r *RateLimiter) RecordSkip(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attemptCount = 0
	r.serverBlockedUntil = time.Time{}
	r.lastAttemptTime = now
}

// RecordMatch resets the counter after a successful match.
func (r *RateLimiter) RecordMatch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attemptCount = 0
}

// BlockUntil records a server-side cooldown.
func (r *RateLimiter) BlockUntil(t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.serverBlockedUntil) {
		r.serverBlockedUntil = t
	}
}

// AutoSearchAllowed reports whether an automatic search could still be
// admitted, ignoring the spacing window.
func (r *RateLimiter) AutoSearchAllowed(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attemptCount < r.maxAttempts && !now.Before(r.serverBlockedUntil)
}

// Attempts returns the number of automatic attempts since the last match
// or explicit find.
func (r *RateLimiter) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attemptCount
}
