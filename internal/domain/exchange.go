// Package domain defines the core types shared by the funding-rate
// arbitrage engine: quotes, opportunities, subscribers, distribution
// records, and the store/cache interfaces implemented by the
// infrastructure packages.
package domain

import "strings"

// ExchangeID identifies a supported derivatives exchange.
type ExchangeID string

const (
	ExchangeBinance ExchangeID = "binance"
	ExchangeBybit   ExchangeID = "bybit"
	ExchangeOKX     ExchangeID = "okx"
)

// ParseExchangeID normalizes a configured exchange name. Unknown names are
// returned as-is so new exchanges can be added through the feed registry
// without touching this package.
func ParseExchangeID(s string) ExchangeID {
	return ExchangeID(strings.ToLower(strings.TrimSpace(s)))
}

// Pair is a normalized trading pair symbol, e.g. "BTC/USDT".
type Pair string

// Base returns the base asset of the pair ("BTC" for "BTC/USDT").
func (p Pair) Base() string {
	if i := strings.IndexByte(string(p), '/'); i > 0 {
		return string(p)[:i]
	}
	return string(p)
}

// Compact returns the pair without the separator ("BTCUSDT"), the form most
// exchange REST APIs expect.
func (p Pair) Compact() string {
	return strings.ReplaceAll(string(p), "/", "")
}
