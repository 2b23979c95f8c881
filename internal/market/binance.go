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

// binanceDefaultTakerFee is the standard USDT-M futures taker rate for
// regular (VIP 0) accounts. Account-specific rates live behind an
// authenticated endpoint the bot has no credentials for, so the schedule
// rate is used instead; pairs with promotional zero fees should be listed in
// pairs.fee_free.
const binanceDefaultTakerFee = 0.0005

// BinanceFeed fetches funding rates from the Binance USDT-M futures API.
type BinanceFeed struct {
	baseURL string
	client  *http.Client
}

// NewBinanceFeed creates a feed against the given base URL (e.g.
// "https://fapi.binance.com").
func NewBinanceFeed(baseURL string) *BinanceFeed {
	return &BinanceFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange implements Feed.
func (f *BinanceFeed) Exchange() domain.ExchangeID {
	return domain.ExchangeBinance
}

// premiumIndexResponse is the shape of GET /fapi/v1/premiumIndex.
type premiumIndexResponse struct {
	Symbol          string `json:"symbol"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FetchFundingRate returns the current funding rate for the pair.
func (f *BinanceFeed) FetchFundingRate(ctx context.Context, pair domain.Pair) (domain.FundingQuote, error) {
	u := fmt.Sprintf("%s/fapi/v1/premiumIndex?symbol=%s", f.baseURL, url.QueryEscape(pair.Compact()))

	var resp premiumIndexResponse
	if err := f.getJSON(ctx, u, &resp); err != nil {
		return domain.FundingQuote{}, fmt.Errorf("binance: funding rate %s: %w", pair, err)
	}

	rate, err := strconv.ParseFloat(resp.LastFundingRate, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("binance: funding rate %s: parse %q: %w", pair, resp.LastFundingRate, err)
	}

	return domain.FundingQuote{
		Pair:            pair,
		Exchange:        domain.ExchangeBinance,
		Rate:            rate,
		NextFundingTime: time.UnixMilli(resp.NextFundingTime),
		FetchedAt:       time.Now().UTC(),
	}, nil
}

// FetchTakerFee returns the schedule taker rate for the pair.
func (f *BinanceFeed) FetchTakerFee(_ context.Context, pair domain.Pair) (domain.FeeQuote, error) {
	return domain.FeeQuote{
		Pair:         pair,
		Exchange:     domain.ExchangeBinance,
		TakerFeeRate: binanceDefaultTakerFee,
	}, nil
}

func (f *BinanceFeed) getJSON(ctx context.Context, u string, dst any) error {
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

// Compile-time interface check.
var _ Feed = (*BinanceFeed)(nil)
