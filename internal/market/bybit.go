package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// bybitDefaultTakerFee is the standard linear-perp taker rate for non-VIP
// accounts.
const bybitDefaultTakerFee = 0.00055

// BybitFeed fetches funding rates from the Bybit v5 market API.
type BybitFeed struct {
	baseURL string
	client  *http.Client
}

// NewBybitFeed creates a feed against the given base URL (e.g.
// "https://api.bybit.com").
func NewBybitFeed(baseURL string) *BybitFeed {
	return &BybitFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange implements Feed.
func (f *BybitFeed) Exchange() domain.ExchangeID {
	return domain.ExchangeBybit
}

type bybitTickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		List []struct {
			Symbol          string `json:"symbol"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	} `json:"result"`
}

// FetchFundingRate returns the current funding rate for the pair.
func (f *BybitFeed) FetchFundingRate(ctx context.Context, pair domain.Pair) (domain.FundingQuote, error) {
	u := fmt.Sprintf("%s/v5/market/tickers?category=linear&symbol=%s", f.baseURL, url.QueryEscape(pair.Compact()))

	var resp bybitTickersResponse
	if err := f.getJSON(ctx, u, &resp); err != nil {
		return domain.FundingQuote{}, fmt.Errorf("bybit: funding rate %s: %w", pair, err)
	}
	if resp.RetCode != 0 {
		return domain.FundingQuote{}, fmt.Errorf("bybit: funding rate %s: retCode %d: %s", pair, resp.RetCode, resp.RetMsg)
	}
	if len(resp.Result.List) == 0 {
		return domain.FundingQuote{}, fmt.Errorf("bybit: funding rate %s: %w", pair, domain.ErrDataUnavailable)
	}

	tick := resp.Result.List[0]
	rate, err := strconv.ParseFloat(tick.FundingRate, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("bybit: funding rate %s: parse %q: %w", pair, tick.FundingRate, err)
	}

	nextMillis, _ := strconv.ParseInt(tick.NextFundingTime, 10, 64)

	return domain.FundingQuote{
		Pair:            pair,
		Exchange:        domain.ExchangeBybit,
		Rate:            rate,
		NextFundingTime: time.UnixMilli(nextMillis),
		FetchedAt:       time.Now().UTC(),
	}, nil
}

// FetchTakerFee returns the schedule taker rate for the pair.
func (f *BybitFeed) FetchTakerFee(_ context.Context, pair domain.Pair) (domain.FeeQuote, error) {
	return domain.FeeQuote{
		Pair:         pair,
		Exchange:     domain.ExchangeBybit,
		TakerFeeRate: bybitDefaultTakerFee,
	}, nil
}

func (f *BybitFeed) getJSON(ctx context.Context, u string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(dst)
}

var _ Feed = (*BybitFeed)(nil)
