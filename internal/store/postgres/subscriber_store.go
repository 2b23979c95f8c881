package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// SubscriberStore implements domain.SubscriberDirectory using PostgreSQL.
// Subscriber profiles are owned by the upstream registration flow; this store
// reads eligibility attributes and writes back only the last-allocation
// stamp.
type SubscriberStore struct {
	pool *pgxpool.Pool
}

// NewSubscriberStore creates a SubscriberStore backed by the given pool.
func NewSubscriberStore(pool *pgxpool.Pool) *SubscriberStore {
	return &SubscriberStore{pool: pool}
}

// ListEligible returns active subscribers whose focus and pair filter accept
// the opportunity, in registration order. Registration order is what makes
// first-come distribution deterministic.
func (s *SubscriberStore) ListEligible(ctx context.Context, opp domain.Opportunity) ([]domain.Subscriber, error) {
	const query = `
		SELECT id, tier, focus, pairs, active, chat_id, cooldown_till, last_allocated_at, last_active_at
		FROM subscribers
		WHERE active
		  AND focus IN ('all', 'arbitrage')
		  AND (cardinality(pairs) = 0 OR $1 = ANY(pairs))
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, string(opp.Pair))
	if err != nil {
		return nil, fmt.Errorf("postgres: list eligible subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscriber
	for rows.Next() {
		var (
			sub         domain.Subscriber
			tier, focus string
			pairs       []string
		)
		if err := rows.Scan(&sub.ID, &tier, &focus, &pairs, &sub.Active, &sub.ChatID, &sub.CooldownTill, &sub.LastAllocatedAt, &sub.LastActiveAt); err != nil {
			return nil, fmt.Errorf("postgres: scan subscriber: %w", err)
		}
		sub.Tier = domain.SubscriptionTier(tier)
		sub.Focus = domain.TradingFocus(focus)
		sub.Pairs = make([]domain.Pair, 0, len(pairs))
		for _, p := range pairs {
			sub.Pairs = append(sub.Pairs, domain.Pair(p))
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: subscriber rows: %w", err)
	}
	return out, nil
}

// RecordLastAllocation stamps the subscriber's last allocation time.
func (s *SubscriberStore) RecordLastAllocation(ctx context.Context, subscriberID string, ts time.Time) error {
	const query = `UPDATE subscribers SET last_allocated_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, subscriberID, ts)
	if err != nil {
		return fmt.Errorf("postgres: record allocation for %s: %w", subscriberID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
