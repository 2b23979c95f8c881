package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// fakeFeed serves canned quotes and can fail selectively per pair.
type fakeFeed struct {
	exchange  domain.ExchangeID
	rates     map[domain.Pair]float64
	fees      map[domain.Pair]float64
	failRates map[domain.Pair]bool
	failFees  map[domain.Pair]bool
	delay     time.Duration
}

func (f *fakeFeed) Exchange() domain.ExchangeID { return f.exchange }

func (f *fakeFeed) FetchFundingRate(ctx context.Context, pair domain.Pair) (domain.FundingQuote, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return domain.FundingQuote{}, ctx.Err()
		}
	}
	if f.failRates[pair] {
		return domain.FundingQuote{}, errors.New("upstream down")
	}
	rate, ok := f.rates[pair]
	if !ok {
		return domain.FundingQuote{}, domain.ErrDataUnavailable
	}
	return domain.FundingQuote{
		Pair:      pair,
		Exchange:  f.exchange,
		Rate:      rate,
		FetchedAt: time.Now(),
	}, nil
}

func (f *fakeFeed) FetchTakerFee(ctx context.Context, pair domain.Pair) (domain.FeeQuote, error) {
	if f.failFees[pair] {
		return domain.FeeQuote{}, errors.New("upstream down")
	}
	fee, ok := f.fees[pair]
	if !ok {
		return domain.FeeQuote{}, domain.ErrDataUnavailable
	}
	return domain.FeeQuote{Pair: pair, Exchange: f.exchange, TakerFeeRate: fee}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpts() CollectorOptions {
	return CollectorOptions{
		FetchTimeout:           time.Second,
		CycleDeadline:          5 * time.Second,
		ConcurrencyPerExchange: 2,
	}
}

func TestCollectorGathersAllCells(t *testing.T) {
	btc, eth := domain.Pair("BTC/USDT"), domain.Pair("ETH/USDT")
	feeds := []Feed{
		&fakeFeed{
			exchange: domain.ExchangeBinance,
			rates:    map[domain.Pair]float64{btc: 0.0010, eth: 0.0002},
			fees:     map[domain.Pair]float64{btc: 0.0004, eth: 0.0004},
		},
		&fakeFeed{
			exchange: domain.ExchangeBybit,
			rates:    map[domain.Pair]float64{btc: 0.0003, eth: -0.0001},
			fees:     map[domain.Pair]float64{btc: 0.00055, eth: 0.00055},
		},
	}

	c := NewCollector(feeds, nil, testOpts(), testLogger())
	rates, fees := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance, domain.ExchangeBybit}, []domain.Pair{btc, eth})

	for _, pair := range []domain.Pair{btc, eth} {
		for _, ex := range []domain.ExchangeID{domain.ExchangeBinance, domain.ExchangeBybit} {
			if rates.Get(pair, ex) == nil {
				t.Errorf("rate cell (%s, %s) missing", pair, ex)
			}
			if fees.Get(pair, ex) == nil {
				t.Errorf("fee cell (%s, %s) missing", pair, ex)
			}
		}
	}

	if got := rates.Get(btc, domain.ExchangeBinance).Rate; got != 0.0010 {
		t.Errorf("binance BTC rate = %v, want 0.0010", got)
	}
	if got := rates.Get(eth, domain.ExchangeBybit).Rate; got != -0.0001 {
		t.Errorf("bybit ETH rate = %v, want -0.0001", got)
	}
}

func TestCollectorLeavesFailedCellsAbsent(t *testing.T) {
	btc, eth := domain.Pair("BTC/USDT"), domain.Pair("ETH/USDT")
	feeds := []Feed{
		&fakeFeed{
			exchange:  domain.ExchangeBinance,
			rates:     map[domain.Pair]float64{btc: 0.0010, eth: 0.0002},
			fees:      map[domain.Pair]float64{btc: 0.0004, eth: 0.0004},
			failRates: map[domain.Pair]bool{eth: true},
			failFees:  map[domain.Pair]bool{btc: true},
		},
	}

	c := NewCollector(feeds, nil, testOpts(), testLogger())
	rates, fees := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance}, []domain.Pair{btc, eth})

	if rates.Get(btc, domain.ExchangeBinance) == nil {
		t.Error("BTC rate should be present")
	}
	if rates.Get(eth, domain.ExchangeBinance) != nil {
		t.Error("ETH rate should be absent after fetch failure, not zero")
	}
	if fees.Get(btc, domain.ExchangeBinance) != nil {
		t.Error("BTC fee should be absent after fetch failure")
	}
	if fees.Get(eth, domain.ExchangeBinance) == nil {
		t.Error("ETH fee should be present")
	}
}

func TestCollectorFeeFreePairSkipsFeeFetch(t *testing.T) {
	btc := domain.Pair("BTC/USDT")
	feeds := []Feed{
		&fakeFeed{
			exchange: domain.ExchangeBinance,
			rates:    map[domain.Pair]float64{btc: 0.0010},
			failFees: map[domain.Pair]bool{btc: true}, // would fail if called
		},
	}

	opts := testOpts()
	opts.FeeFreePairs = map[domain.Pair]bool{btc: true}

	c := NewCollector(feeds, nil, opts, testLogger())
	_, fees := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance}, []domain.Pair{btc})

	fee := fees.Get(btc, domain.ExchangeBinance)
	if fee == nil {
		t.Fatal("fee-free pair should have a fee cell")
	}
	if !fee.FeeFree || fee.TakerFeeRate != 0 {
		t.Errorf("fee-free cell = %+v, want FeeFree=true rate=0", fee)
	}
}

func TestCollectorPrefersFreshStreamedQuote(t *testing.T) {
	btc := domain.Pair("BTC/USDT")
	cache := NewMemoryFundingCache()
	cache.Put(domain.FundingQuote{
		Pair:      btc,
		Exchange:  domain.ExchangeBinance,
		Rate:      0.0042,
		FetchedAt: time.Now(),
	})

	feeds := []Feed{
		&fakeFeed{
			exchange:  domain.ExchangeBinance,
			failRates: map[domain.Pair]bool{btc: true}, // REST must not be needed
			fees:      map[domain.Pair]float64{btc: 0.0004},
		},
	}

	opts := testOpts()
	opts.StreamMaxAge = time.Minute

	c := NewCollector(feeds, cache, opts, testLogger())
	rates, _ := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance}, []domain.Pair{btc})

	got := rates.Get(btc, domain.ExchangeBinance)
	if got == nil {
		t.Fatal("streamed quote should satisfy the cell")
	}
	if got.Rate != 0.0042 {
		t.Errorf("rate = %v, want streamed 0.0042", got.Rate)
	}
}

func TestCollectorStaleStreamedQuoteFallsBackToREST(t *testing.T) {
	btc := domain.Pair("BTC/USDT")
	cache := NewMemoryFundingCache()
	cache.Put(domain.FundingQuote{
		Pair:      btc,
		Exchange:  domain.ExchangeBinance,
		Rate:      0.0042,
		FetchedAt: time.Now().Add(-time.Hour),
	})

	feeds := []Feed{
		&fakeFeed{
			exchange: domain.ExchangeBinance,
			rates:    map[domain.Pair]float64{btc: 0.0011},
			fees:     map[domain.Pair]float64{btc: 0.0004},
		},
	}

	opts := testOpts()
	opts.StreamMaxAge = time.Minute

	c := NewCollector(feeds, cache, opts, testLogger())
	rates, _ := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance}, []domain.Pair{btc})

	got := rates.Get(btc, domain.ExchangeBinance)
	if got == nil {
		t.Fatal("REST quote should satisfy the cell")
	}
	if got.Rate != 0.0011 {
		t.Errorf("rate = %v, want REST 0.0011", got.Rate)
	}
}

func TestCollectorHonorsCycleDeadline(t *testing.T) {
	btc := domain.Pair("BTC/USDT")
	feeds := []Feed{
		&fakeFeed{
			exchange: domain.ExchangeBinance,
			rates:    map[domain.Pair]float64{btc: 0.0010},
			fees:     map[domain.Pair]float64{btc: 0.0004},
			delay:    time.Second,
		},
	}

	opts := testOpts()
	opts.CycleDeadline = 50 * time.Millisecond

	c := NewCollector(feeds, nil, opts, testLogger())

	start := time.Now()
	rates, _ := c.Collect(context.Background(), []domain.ExchangeID{domain.ExchangeBinance}, []domain.Pair{btc})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("collect took %v, deadline not enforced", elapsed)
	}
	if rates.Get(btc, domain.ExchangeBinance) != nil {
		t.Error("cell should be absent when the deadline cut the fetch off")
	}
}

func TestMemoryFundingCacheKeepsNewestQuote(t *testing.T) {
	btc := domain.Pair("BTC/USDT")
	cache := NewMemoryFundingCache()
	now := time.Now()

	cache.Put(domain.FundingQuote{Pair: btc, Exchange: domain.ExchangeBinance, Rate: 0.002, FetchedAt: now})
	cache.Put(domain.FundingQuote{Pair: btc, Exchange: domain.ExchangeBinance, Rate: 0.001, FetchedAt: now.Add(-time.Minute)})

	q, ok := cache.Get(btc, domain.ExchangeBinance, time.Hour)
	if !ok {
		t.Fatal("quote should be cached")
	}
	if q.Rate != 0.002 {
		t.Errorf("rate = %v, want the newer 0.002", q.Rate)
	}
}
