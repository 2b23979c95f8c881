package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// CollectorOptions bounds a collection cycle.
type CollectorOptions struct {
	// FetchTimeout applies to each individual exchange call.
	FetchTimeout time.Duration
	// CycleDeadline bounds the whole fan-out; whatever has been gathered by
	// then is returned.
	CycleDeadline time.Duration
	// ConcurrencyPerExchange caps in-flight requests per exchange so one slow
	// venue cannot starve the others of connections.
	ConcurrencyPerExchange int
	// StreamMaxAge is how old a cached streamed quote may be before the
	// collector falls back to REST.
	StreamMaxAge time.Duration
	// FeeFreePairs marks pairs explicitly known to trade without taker fees.
	FeeFreePairs map[domain.Pair]bool
}

// Collector fans funding-rate and fee fetches out across the exchange x pair
// grid each cycle. Individual failures are logged and the cell is left absent;
// a cell that is missing is never reported as zero.
type Collector struct {
	feeds  map[domain.ExchangeID]Feed
	cache  *MemoryFundingCache
	opts   CollectorOptions
	logger *slog.Logger
}

// NewCollector creates a collector over the given feeds. cache may be nil
// when no streaming feed is running.
func NewCollector(feeds []Feed, cache *MemoryFundingCache, opts CollectorOptions, logger *slog.Logger) *Collector {
	byID := make(map[domain.ExchangeID]Feed, len(feeds))
	for _, f := range feeds {
		byID[f.Exchange()] = f
	}
	if opts.ConcurrencyPerExchange < 1 {
		opts.ConcurrencyPerExchange = 1
	}
	return &Collector{
		feeds:  byID,
		cache:  cache,
		opts:   opts,
		logger: logger.With(slog.String("component", "collector")),
	}
}

// Collect gathers funding rates and taker fees for every (exchange, pair)
// combination. It always returns usable tables; cells the exchanges failed to
// serve within the deadline are simply absent.
func (c *Collector) Collect(ctx context.Context, exchanges []domain.ExchangeID, pairs []domain.Pair) (domain.RateTable, domain.FeeTable) {
	if c.opts.CycleDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CycleDeadline)
		defer cancel()
	}

	rates := make(domain.RateTable, len(pairs))
	fees := make(domain.FeeTable, len(pairs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, ex := range exchanges {
		feed, ok := c.feeds[ex]
		if !ok {
			c.logger.Warn("no feed registered for exchange", slog.String("exchange", string(ex)))
			continue
		}

		sem := make(chan struct{}, c.opts.ConcurrencyPerExchange)
		ex := ex
		for _, pair := range pairs {
			pair := pair
			g.Go(func() error {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-gctx.Done():
					return nil
				}

				rate, fee := c.fetchCell(gctx, feed, ex, pair)

				mu.Lock()
				if rate != nil {
					rates.Set(rate)
				}
				if fee != nil {
					fees.Set(fee)
				}
				mu.Unlock()
				return nil
			})
		}
	}

	g.Wait() // errors are handled per cell; goroutines always return nil

	c.logger.Debug("collection cycle complete",
		slog.Int("pairs", len(pairs)),
		slog.Int("exchanges", len(exchanges)))

	return rates, fees
}

// fetchCell resolves one (exchange, pair) cell: the funding rate from the
// stream cache when fresh, otherwise via REST, plus the taker fee.
func (c *Collector) fetchCell(ctx context.Context, feed Feed, ex domain.ExchangeID, pair domain.Pair) (*domain.FundingQuote, *domain.FeeQuote) {
	var rate *domain.FundingQuote

	if c.cache != nil && c.opts.StreamMaxAge > 0 {
		if q, ok := c.cache.Get(pair, ex, c.opts.StreamMaxAge); ok {
			rate = &q
		}
	}

	if rate == nil {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		q, err := feed.FetchFundingRate(callCtx, pair)
		cancel()
		if err != nil {
			c.logger.Warn("funding rate fetch failed",
				slog.String("exchange", string(ex)),
				slog.String("pair", string(pair)),
				slog.String("error", err.Error()))
		} else {
			rate = &q
		}
	}

	var fee *domain.FeeQuote
	if c.opts.FeeFreePairs[pair] {
		fee = &domain.FeeQuote{Pair: pair, Exchange: ex, TakerFeeRate: 0, FeeFree: true}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		q, err := feed.FetchTakerFee(callCtx, pair)
		cancel()
		if err != nil {
			c.logger.Warn("taker fee fetch failed",
				slog.String("exchange", string(ex)),
				slog.String("pair", string(pair)),
				slog.String("error", err.Error()))
		} else {
			fee = &q
		}
	}

	return rate, fee
}
