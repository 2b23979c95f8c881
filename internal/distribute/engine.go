// Package distribute manages the live opportunity queue and allocates
// opportunities to eligible subscribers under the configured distribution
// strategy and fairness limits.
package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// allocationLockTTL bounds how long one replica may hold an opportunity's
// allocation lock. Generous relative to a single allocation pass so the lock
// never expires mid-write.
const allocationLockTTL = 30 * time.Second

// Allocation is one (opportunity, subscriber) pairing produced by the engine,
// backed by a pending distribution record. The dispatcher turns allocations
// into notifications.
type Allocation struct {
	Opportunity domain.Opportunity
	Subscriber  domain.Subscriber
}

// Config holds queue sizing and fairness parameters.
type Config struct {
	// MaxQueueSize bounds the live queue; when exceeded, the lowest-priority
	// opportunities are expired first.
	MaxQueueSize int
	// Cooldown is the minimum gap between two allocations to the same
	// subscriber.
	Cooldown time.Duration
	// MaxPerUserPerDay caps daily allocations per subscriber, scaled by the
	// subscriber's tier multiplier.
	MaxPerUserPerDay int
	// TierMultipliers scales the daily cap per tier; missing tiers get 1.0.
	TierMultipliers map[string]float64
	// ActivityBoost multiplies the ranked priority of subscribers last active
	// within ActivityWindow. Values <= 1 disable the boost.
	ActivityBoost  float64
	ActivityWindow time.Duration
}

// Engine owns the in-memory opportunity queue. All state transitions happen
// under the per-opportunity distributed lock so concurrent replicas (or the
// sweeper racing an allocation) cannot oversubscribe the participant cap.
type Engine struct {
	cfg Config

	opps     domain.OpportunityStore
	dist     domain.DistributionStore
	subs     domain.SubscriberDirectory
	locks    domain.LockManager
	fairness domain.FairnessTracker
	audit    domain.AuditStore
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	queue map[string]*domain.Opportunity
}

// NewEngine creates a distribution engine. audit may be nil.
func NewEngine(cfg Config, opps domain.OpportunityStore, dist domain.DistributionStore, subs domain.SubscriberDirectory, locks domain.LockManager, fairness domain.FairnessTracker, audit domain.AuditStore, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		opps:     opps,
		dist:     dist,
		subs:     subs,
		locks:    locks,
		fairness: fairness,
		audit:    audit,
		logger:   logger.With(slog.String("component", "distribution_engine")),
		now:      time.Now,
		queue:    make(map[string]*domain.Opportunity),
	}
}

// Submit adds a detected opportunity to the live queue and persists it.
// Returns false when the opportunity was dropped: a duplicate of an open
// queue entry for the same pair and exchange legs, or squeezed out by the
// queue size cap.
func (e *Engine) Submit(ctx context.Context, opp *domain.Opportunity) (bool, error) {
	e.mu.Lock()
	for _, existing := range e.queue {
		if existing.Pair == opp.Pair &&
			existing.LongExchange == opp.LongExchange &&
			existing.ShortExchange == opp.ShortExchange &&
			!existing.State.Closed() {
			e.mu.Unlock()
			e.logger.Debug("duplicate opportunity dropped",
				slog.String("pair", string(opp.Pair)),
				slog.String("long", string(opp.LongExchange)),
				slog.String("short", string(opp.ShortExchange)))
			return false, nil
		}
	}
	cp := *opp
	e.queue[cp.ID] = &cp
	evicted := e.truncateLocked()
	e.mu.Unlock()

	if err := e.opps.Insert(ctx, cp); err != nil {
		e.mu.Lock()
		delete(e.queue, cp.ID)
		e.mu.Unlock()
		return false, fmt.Errorf("distribute: persist opportunity: %w", err)
	}

	for _, ev := range evicted {
		if err := e.opps.UpdateState(ctx, ev.ID, domain.OpportunityExpired, ev.CurrentParticipants); err != nil {
			e.logger.Warn("evicted opportunity state update failed",
				slog.String("opportunity_id", ev.ID),
				slog.String("error", err.Error()))
		}
		e.auditLog(ctx, "opportunity_evicted", map[string]any{
			"opportunity_id": ev.ID,
			"priority_score": ev.PriorityScore,
		})
	}

	if _, stillQueued := e.Get(cp.ID); !stillQueued {
		// The newcomer itself was the lowest priority entry.
		return false, nil
	}

	e.auditLog(ctx, "opportunity_detected", map[string]any{
		"opportunity_id": cp.ID,
		"pair":           string(cp.Pair),
		"net_rate_diff":  cp.NetRateDifference,
		"priority_score": cp.PriorityScore,
	})
	return true, nil
}

// truncateLocked enforces MaxQueueSize by expiring the lowest-priority open
// entries. Caller must hold e.mu. Returns the evicted opportunities.
func (e *Engine) truncateLocked() []*domain.Opportunity {
	if e.cfg.MaxQueueSize < 1 || len(e.queue) <= e.cfg.MaxQueueSize {
		return nil
	}

	entries := make([]*domain.Opportunity, 0, len(e.queue))
	for _, o := range e.queue {
		entries = append(entries, o)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PriorityScore > entries[j].PriorityScore
	})

	var evicted []*domain.Opportunity
	for _, o := range entries[e.cfg.MaxQueueSize:] {
		o.State = domain.OpportunityExpired
		delete(e.queue, o.ID)
		evicted = append(evicted, o)
	}
	return evicted
}

// Get returns a copy of the queued opportunity.
func (e *Engine) Get(id string) (domain.Opportunity, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.queue[id]
	if !ok {
		return domain.Opportunity{}, false
	}
	return *o, true
}

// Snapshot returns the queued opportunities ordered by priority score
// descending.
func (e *Engine) Snapshot() []domain.Opportunity {
	e.mu.RLock()
	out := make([]domain.Opportunity, 0, len(e.queue))
	for _, o := range e.queue {
		out = append(out, *o)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PriorityScore > out[j].PriorityScore })
	return out
}

// Allocate selects subscribers for the opportunity under its distributed
// lock, creates one pending distribution record per selection, and returns
// the resulting allocations. A subscriber with an existing record for this
// opportunity is skipped, which makes Allocate safe to retry.
func (e *Engine) Allocate(ctx context.Context, opportunityID string) ([]Allocation, error) {
	unlock, err := e.locks.Acquire(ctx, "alloc:"+opportunityID, allocationLockTTL)
	if err != nil {
		return nil, fmt.Errorf("distribute: acquire allocation lock: %w", err)
	}
	defer unlock()

	opp, ok := e.Get(opportunityID)
	if !ok {
		return nil, fmt.Errorf("distribute: opportunity %s: %w", opportunityID, domain.ErrNotFound)
	}

	now := e.now()
	if opp.Expired(now) {
		// Rather than leave the stale entry for the next sweep, retire it now.
		e.expireEntry(ctx, opp.ID)
		return nil, domain.ErrOpportunityExpired
	}
	if opp.Full() {
		return nil, domain.ErrOpportunityFull
	}

	candidates, err := e.subs.ListEligible(ctx, opp)
	if err != nil {
		return nil, fmt.Errorf("distribute: list eligible subscribers: %w", err)
	}

	eligible := e.filterFair(ctx, &opp, candidates)
	selected := e.applyStrategy(&opp, eligible)

	allocations := make([]Allocation, 0, len(selected))
	for _, sub := range selected {
		if opp.Full() {
			break
		}

		rec := domain.DistributionRecord{
			OpportunityID: opp.ID,
			SubscriberID:  sub.ID,
			DistributedAt: now,
			Status:        domain.DeliveryPending,
		}
		if err := e.dist.Create(ctx, rec); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				continue // already offered to this subscriber
			}
			// One subscriber's write failure must not cost the rest their
			// allocation; skip and move on.
			e.logger.Error("distribution record write failed, skipping subscriber",
				slog.String("opportunity_id", opp.ID),
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()))
			e.auditLog(ctx, "allocation_write_failed", map[string]any{
				"opportunity_id": opp.ID,
				"subscriber_id":  sub.ID,
				"error":          err.Error(),
			})
			continue
		}

		opp.CurrentParticipants++
		if err := e.fairness.MarkAllocated(ctx, sub.ID, e.cfg.Cooldown); err != nil {
			e.logger.Warn("fairness counter update failed",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()))
		}
		if err := e.subs.RecordLastAllocation(ctx, sub.ID, now); err != nil {
			e.logger.Warn("last allocation update failed",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()))
		}

		allocations = append(allocations, Allocation{Opportunity: opp, Subscriber: sub})
	}

	if len(allocations) > 0 {
		state := domain.OpportunityPartiallyFilled
		if opp.Full() {
			state = domain.OpportunityFilled
		}
		opp.State = state

		e.mu.Lock()
		if live, ok := e.queue[opp.ID]; ok {
			live.CurrentParticipants = opp.CurrentParticipants
			live.State = state
		}
		e.mu.Unlock()

		if err := e.opps.UpdateState(ctx, opp.ID, state, opp.CurrentParticipants); err != nil {
			e.logger.Warn("opportunity state update failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()))
		}
		e.auditLog(ctx, "opportunity_allocated", map[string]any{
			"opportunity_id": opp.ID,
			"allocations":    len(allocations),
			"participants":   opp.CurrentParticipants,
			"state":          string(state),
		})
	}

	return allocations, nil
}

// filterFair drops candidates that are in cooldown or over their daily cap.
// Fairness lookups that fail err on the side of exclusion.
func (e *Engine) filterFair(ctx context.Context, opp *domain.Opportunity, candidates []domain.Subscriber) []domain.Subscriber {
	now := e.now()
	out := make([]domain.Subscriber, 0, len(candidates))
	for _, sub := range candidates {
		if !sub.Accepts(opp) {
			continue
		}
		if now.Before(sub.CooldownTill) {
			continue
		}

		cooling, err := e.fairness.InCooldown(ctx, sub.ID)
		if err != nil {
			e.logger.Warn("cooldown lookup failed, excluding subscriber",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()))
			continue
		}
		if cooling {
			continue
		}

		taken, err := e.fairness.TakenToday(ctx, sub.ID)
		if err != nil {
			e.logger.Warn("daily counter lookup failed, excluding subscriber",
				slog.String("subscriber_id", sub.ID),
				slog.String("error", err.Error()))
			continue
		}
		if taken >= e.dailyCap(sub.Tier) {
			continue
		}

		out = append(out, sub)
	}
	return out
}

// subscriberPriority is the subscriber's tier multiplier, boosted when they
// were recently active. With the default multipliers the boost reorders
// subscribers within a tier but never across tiers.
func (e *Engine) subscriberPriority(sub *domain.Subscriber, now time.Time) float64 {
	p, ok := e.cfg.TierMultipliers[string(sub.Tier)]
	if !ok || p <= 0 {
		p = 1.0
	}
	if e.cfg.ActivityBoost > 1 && e.cfg.ActivityWindow > 0 &&
		!sub.LastActiveAt.IsZero() && now.Sub(sub.LastActiveAt) < e.cfg.ActivityWindow {
		p *= e.cfg.ActivityBoost
	}
	return p
}

// dailyCap scales the base daily cap by the subscriber's tier multiplier.
func (e *Engine) dailyCap(tier domain.SubscriptionTier) int {
	mult, ok := e.cfg.TierMultipliers[string(tier)]
	if !ok || mult <= 0 {
		mult = 1.0
	}
	return int(float64(e.cfg.MaxPerUserPerDay) * mult)
}

// applyStrategy orders and truncates the eligible set per the opportunity's
// strategy.
func (e *Engine) applyStrategy(opp *domain.Opportunity, eligible []domain.Subscriber) []domain.Subscriber {
	switch opp.Strategy {
	case domain.StrategyBroadcast:
		return eligible

	case domain.StrategyFirstComeLimited:
		// Eligible arrives in directory order (registration order); take the
		// remaining slots as-is.
		return capSlots(eligible, opp.RemainingSlots())

	case domain.StrategyPriorityRanked:
		now := e.now()
		ranked := make([]domain.Subscriber, len(eligible))
		copy(ranked, eligible)
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := ranked[i], ranked[j]
			if ap, bp := e.subscriberPriority(&a, now), e.subscriberPriority(&b, now); ap != bp {
				return ap > bp
			}
			// At equal priority, least recently served goes first.
			if !a.LastAllocatedAt.Equal(b.LastAllocatedAt) {
				return a.LastAllocatedAt.Before(b.LastAllocatedAt)
			}
			return a.ID < b.ID
		})
		return capSlots(ranked, opp.RemainingSlots())

	default:
		e.logger.Warn("unknown distribution strategy, treating as first come",
			slog.String("strategy", string(opp.Strategy)))
		return capSlots(eligible, opp.RemainingSlots())
	}
}

func capSlots(subs []domain.Subscriber, slots int) []domain.Subscriber {
	if slots < 0 || slots >= len(subs) {
		return subs
	}
	return subs[:slots]
}

// expireEntry removes one entry from the queue and records the expired state,
// the same transition the periodic sweep would apply later. Entries already
// in a terminal state keep it.
func (e *Engine) expireEntry(ctx context.Context, id string) {
	e.mu.Lock()
	live, ok := e.queue[id]
	if ok {
		if !live.State.Closed() {
			live.State = domain.OpportunityExpired
		}
		delete(e.queue, id)
	}
	e.mu.Unlock()

	if !ok || live.State != domain.OpportunityExpired {
		return
	}
	if err := e.opps.UpdateState(ctx, id, domain.OpportunityExpired, live.CurrentParticipants); err != nil {
		e.logger.Warn("expired opportunity state update failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()))
	}
	e.auditLog(ctx, "opportunity_expired", map[string]any{
		"opportunity_id": id,
		"participants":   live.CurrentParticipants,
	})
}

// SweepExpired removes opportunities past their TTL from the queue and marks
// them expired in the store. Returns the number swept.
func (e *Engine) SweepExpired(ctx context.Context) int {
	now := e.now()

	e.mu.Lock()
	var expired []*domain.Opportunity
	for id, o := range e.queue {
		if o.Expired(now) || o.State.Closed() {
			if !o.State.Closed() {
				o.State = domain.OpportunityExpired
			}
			delete(e.queue, id)
			expired = append(expired, o)
		}
	}
	e.mu.Unlock()

	for _, o := range expired {
		if o.State != domain.OpportunityExpired {
			continue // filled entries already have their final state stored
		}
		if err := e.opps.UpdateState(ctx, o.ID, domain.OpportunityExpired, o.CurrentParticipants); err != nil {
			e.logger.Warn("expired opportunity state update failed",
				slog.String("opportunity_id", o.ID),
				slog.String("error", err.Error()))
		}
		e.auditLog(ctx, "opportunity_expired", map[string]any{
			"opportunity_id": o.ID,
			"participants":   o.CurrentParticipants,
		})
	}

	if len(expired) > 0 {
		e.logger.Info("expired opportunities swept", slog.Int("count", len(expired)))
	}
	return len(expired)
}

func (e *Engine) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
