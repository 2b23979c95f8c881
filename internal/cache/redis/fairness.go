package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// dailyCounterTTL keeps daily counters around a little past their day so a
// counter never vanishes mid-window across timezone-free UTC day boundaries.
const dailyCounterTTL = 48 * time.Hour

// FairnessTracker implements domain.FairnessTracker on Redis: a per-day
// allocation counter plus a cooldown key whose TTL is the cooldown itself.
type FairnessTracker struct {
	rdb *redis.Client
	now func() time.Time
}

// NewFairnessTracker creates a FairnessTracker backed by the given Client.
func NewFairnessTracker(c *Client) *FairnessTracker {
	return &FairnessTracker{
		rdb: c.Underlying(),
		now: time.Now,
	}
}

func (t *FairnessTracker) dailyKey(subscriberID string) string {
	return "fair:daily:" + subscriberID + ":" + t.now().UTC().Format("20060102")
}

func cooldownKey(subscriberID string) string {
	return "fair:cooldown:" + subscriberID
}

// TakenToday returns the subscriber's allocation count for the current UTC
// day.
func (t *FairnessTracker) TakenToday(ctx context.Context, subscriberID string) (int, error) {
	n, err := t.rdb.Get(ctx, t.dailyKey(subscriberID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: fairness count %s: %w", subscriberID, err)
	}
	return n, nil
}

// MarkAllocated bumps the daily counter and arms the cooldown key.
func (t *FairnessTracker) MarkAllocated(ctx context.Context, subscriberID string, cooldown time.Duration) error {
	pipe := t.rdb.TxPipeline()
	daily := t.dailyKey(subscriberID)
	pipe.Incr(ctx, daily)
	pipe.Expire(ctx, daily, dailyCounterTTL)
	if cooldown > 0 {
		pipe.Set(ctx, cooldownKey(subscriberID), "1", cooldown)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: fairness mark %s: %w", subscriberID, err)
	}
	return nil
}

// InCooldown reports whether the subscriber's cooldown key is still live.
func (t *FairnessTracker) InCooldown(ctx context.Context, subscriberID string) (bool, error) {
	n, err := t.rdb.Exists(ctx, cooldownKey(subscriberID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: fairness cooldown %s: %w", subscriberID, err)
	}
	return n > 0, nil
}

// Compile-time interface check.
var _ domain.FairnessTracker = (*FairnessTracker)(nil)
