package domain

import "time"

// DistributionStrategy selects how an opportunity is shared among eligible
// subscribers. The set is closed; the engine switches over exactly these.
type DistributionStrategy string

const (
	// StrategyBroadcast delivers to every eligible subscriber; the
	// participant cap is ignored.
	StrategyBroadcast DistributionStrategy = "broadcast"
	// StrategyFirstComeLimited delivers in candidate arrival order until the
	// participant cap is reached.
	StrategyFirstComeLimited DistributionStrategy = "first_come_limited"
	// StrategyPriorityRanked orders candidates by tier priority (boosted for
	// recent activity), then by least recently served, and fills the
	// remaining slots.
	StrategyPriorityRanked DistributionStrategy = "priority_ranked"
)

// Valid reports whether s is one of the known strategies.
func (s DistributionStrategy) Valid() bool {
	switch s {
	case StrategyBroadcast, StrategyFirstComeLimited, StrategyPriorityRanked:
		return true
	}
	return false
}

// OpportunityState is the lifecycle state of a queued opportunity.
type OpportunityState string

const (
	OpportunityOpen            OpportunityState = "open"
	OpportunityPartiallyFilled OpportunityState = "partially_filled"
	OpportunityFilled          OpportunityState = "filled"
	OpportunityExpired         OpportunityState = "expired"
)

// Closed reports whether the state is terminal.
func (s OpportunityState) Closed() bool {
	return s == OpportunityFilled || s == OpportunityExpired
}

// UnlimitedParticipants is the MaxParticipants sentinel used by broadcast
// opportunities.
const UnlimitedParticipants = 0

// Opportunity is a detected funding-rate arbitrage between two exchanges on
// one pair. Everything except CurrentParticipants and State is immutable
// after detection; those two fields are mutated only by the distribution
// engine under its per-opportunity lock.
type Opportunity struct {
	ID            string
	Pair          Pair
	LongExchange  ExchangeID // lower funding rate: collect by going long
	ShortExchange ExchangeID // higher funding rate: collect by going short
	LongRate      float64
	ShortRate     float64

	RateDifference    float64 // ShortRate - LongRate, >= 0 by construction
	LongFee           float64
	ShortFee          float64
	TotalFees         float64 // LongFee + ShortFee
	NetRateDifference float64 // RateDifference - TotalFees

	PriorityScore float64
	DetectedAt    time.Time
	ExpiresAt     time.Time

	Strategy            DistributionStrategy
	MaxParticipants     int // UnlimitedParticipants for broadcast
	CurrentParticipants int
	State               OpportunityState
}

// Expired reports whether the opportunity is past its TTL at the given time.
func (o *Opportunity) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// Full reports whether the participant cap has been reached. Broadcast
// opportunities are never full.
func (o *Opportunity) Full() bool {
	if o.Strategy == StrategyBroadcast || o.MaxParticipants == UnlimitedParticipants {
		return false
	}
	return o.CurrentParticipants >= o.MaxParticipants
}

// RemainingSlots returns how many participants can still be allocated, or -1
// when unlimited.
func (o *Opportunity) RemainingSlots() int {
	if o.Strategy == StrategyBroadcast || o.MaxParticipants == UnlimitedParticipants {
		return -1
	}
	n := o.MaxParticipants - o.CurrentParticipants
	if n < 0 {
		return 0
	}
	return n
}
