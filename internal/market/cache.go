package market

import (
	"sync"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

type cacheKey struct {
	pair     domain.Pair
	exchange domain.ExchangeID
}

// MemoryFundingCache holds the most recent funding quote per (pair, exchange).
// The streaming feed writes into it and the collector reads from it to skip a
// REST round trip when a fresh streamed quote is available.
type MemoryFundingCache struct {
	mu     sync.RWMutex
	quotes map[cacheKey]domain.FundingQuote
}

// NewMemoryFundingCache creates an empty cache.
func NewMemoryFundingCache() *MemoryFundingCache {
	return &MemoryFundingCache{quotes: make(map[cacheKey]domain.FundingQuote)}
}

// Put stores the quote, replacing any older one for the same cell.
func (c *MemoryFundingCache) Put(q domain.FundingQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey{pair: q.Pair, exchange: q.Exchange}
	if existing, ok := c.quotes[key]; ok && existing.FetchedAt.After(q.FetchedAt) {
		return
	}
	c.quotes[key] = q
}

// Get returns the cached quote if one exists and was fetched within maxAge.
func (c *MemoryFundingCache) Get(pair domain.Pair, ex domain.ExchangeID, maxAge time.Duration) (domain.FundingQuote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[cacheKey{pair: pair, exchange: ex}]
	if !ok || time.Since(q.FetchedAt) > maxAge {
		return domain.FundingQuote{}, false
	}
	return q, true
}

var _ domain.FundingCache = (*MemoryFundingCache)(nil)
