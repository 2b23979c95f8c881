package domain

import "time"

// FundingQuote is one exchange's funding rate for a pair, captured at a
// point in time. Quotes are immutable and live for a single detection cycle.
type FundingQuote struct {
	Pair            Pair
	Exchange        ExchangeID
	Rate            float64 // signed; negative means longs are paid
	NextFundingTime time.Time
	FetchedAt       time.Time
}

// FeeQuote is one exchange's taker fee rate for a pair. FeeFree marks pairs
// that are explicitly known to trade without taker fees (promotional
// listings); it is distinct from a zero rate observed on the wire.
type FeeQuote struct {
	Pair         Pair
	Exchange     ExchangeID
	TakerFeeRate float64 // fraction of notional, >= 0
	FeeFree      bool
}

// RateTable maps pair -> exchange -> funding quote. A nil/missing cell means
// the value was unavailable this cycle, which downstream logic must treat
// differently from a zero rate.
type RateTable map[Pair]map[ExchangeID]*FundingQuote

// FeeTable maps pair -> exchange -> fee quote with the same absence
// semantics as RateTable.
type FeeTable map[Pair]map[ExchangeID]*FeeQuote

// Get returns the quote for (pair, exchange), or nil when absent.
func (t RateTable) Get(p Pair, ex ExchangeID) *FundingQuote {
	if m, ok := t[p]; ok {
		return m[ex]
	}
	return nil
}

// Get returns the fee quote for (pair, exchange), or nil when absent.
func (t FeeTable) Get(p Pair, ex ExchangeID) *FeeQuote {
	if m, ok := t[p]; ok {
		return m[ex]
	}
	return nil
}

// Set stores a quote, allocating the inner map on first use.
func (t RateTable) Set(q *FundingQuote) {
	m, ok := t[q.Pair]
	if !ok {
		m = make(map[ExchangeID]*FundingQuote)
		t[q.Pair] = m
	}
	m[q.Exchange] = q
}

// Set stores a fee quote, allocating the inner map on first use.
func (t FeeTable) Set(q *FeeQuote) {
	m, ok := t[q.Pair]
	if !ok {
		m = make(map[ExchangeID]*FeeQuote)
		t[q.Pair] = m
	}
	m[q.Exchange] = q
}
