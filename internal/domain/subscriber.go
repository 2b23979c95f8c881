package domain

import "time"

// SubscriptionTier orders subscribers for priority-ranked distribution.
type SubscriptionTier string

const (
	TierFree       SubscriptionTier = "free"
	TierBasic      SubscriptionTier = "basic"
	TierPremium    SubscriptionTier = "premium"
	TierEnterprise SubscriptionTier = "enterprise"
)

// Rank returns the tier's precedence; higher ranks are served first.
func (t SubscriptionTier) Rank() int {
	switch t {
	case TierEnterprise:
		return 3
	case TierPremium:
		return 2
	case TierBasic:
		return 1
	default:
		return 0
	}
}

// TradingFocus limits the kinds of opportunities a subscriber wants.
type TradingFocus string

const (
	FocusAll       TradingFocus = "all"
	FocusArbitrage TradingFocus = "arbitrage"
	FocusNone      TradingFocus = "none"
)

// Subscriber is the engine's read view of a user, owned by the subscriber
// directory. LastAllocatedAt is the one field the distribution engine is
// responsible for updating (through SubscriberDirectory.RecordLastAllocation).
type Subscriber struct {
	ID           string
	Tier         SubscriptionTier
	Focus        TradingFocus
	Pairs        []Pair // empty = any pair
	Active       bool
	ChatID       string // notification channel address (e.g. Telegram chat)
	CooldownTill time.Time
	// LastAllocatedAt is the last time any opportunity was allocated to this
	// subscriber; zero means never. Drives least-recently-served ordering.
	LastAllocatedAt time.Time
	// LastActiveAt is the last time the subscriber interacted with the bot,
	// stamped by the upstream registration flow. Recently active subscribers
	// get a priority boost in ranked distribution.
	LastActiveAt time.Time
}

// WantsPair reports whether the subscriber's pair filter accepts p.
func (s *Subscriber) WantsPair(p Pair) bool {
	if len(s.Pairs) == 0 {
		return true
	}
	for _, sp := range s.Pairs {
		if sp == p {
			return true
		}
	}
	return false
}

// Accepts reports whether the subscriber's focus and pair filter accept the
// opportunity. Cooldown and dedup are enforced by the distribution engine.
func (s *Subscriber) Accepts(o *Opportunity) bool {
	if !s.Active || s.Focus == FocusNone {
		return false
	}
	return s.WantsPair(o.Pair)
}
