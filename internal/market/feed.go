// Package market provides per-exchange funding rate and fee feeds plus the
// collector that fans fetches out across the exchange x pair grid.
package market

import (
	"context"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// Feed is one exchange's market data capability. Implementations are
// stateless request/response clients; each call must honour the context
// deadline set by the collector.
type Feed interface {
	Exchange() domain.ExchangeID
	FetchFundingRate(ctx context.Context, pair domain.Pair) (domain.FundingQuote, error)
	FetchTakerFee(ctx context.Context, pair domain.Pair) (domain.FeeQuote, error)
}
