package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting, used to cap how many
// notifications a single subscriber receives per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking. Allocation for one opportunity
// serializes on a lock keyed by the opportunity ID so that multiple engine
// replicas cannot oversubscribe the participant cap.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// FairnessTracker keeps the per-subscriber counters that back eligibility
// filtering: the rolling daily allocation count and the cooldown stamp.
type FairnessTracker interface {
	// TakenToday returns how many opportunities the subscriber has been
	// allocated in the current daily window.
	TakenToday(ctx context.Context, subscriberID string) (int, error)
	// MarkAllocated records one allocation now: bumps the daily counter and
	// sets the cooldown stamp.
	MarkAllocated(ctx context.Context, subscriberID string, cooldown time.Duration) error
	// InCooldown reports whether the subscriber is still inside the cooldown
	// window from their previous allocation.
	InCooldown(ctx context.Context, subscriberID string) (bool, error)
}

// FundingCache holds the most recent funding quotes pushed by streaming
// feeds, letting the collector serve a cycle without a REST round trip.
type FundingCache interface {
	Put(q FundingQuote)
	// Get returns the cached quote when it is younger than maxAge.
	Get(pair Pair, ex ExchangeID, maxAge time.Duration) (FundingQuote, bool)
}
