package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// okxDefaultTakerFee is the standard perpetual-swap taker rate for Lv1
// accounts.
const okxDefaultTakerFee = 0.0005

// OKXFeed fetches funding rates from the OKX v5 public API.
type OKXFeed struct {
	baseURL string
	client  *http.Client
}

// NewOKXFeed creates a feed against the given base URL (e.g.
// "https://www.okx.com").
func NewOKXFeed(baseURL string) *OKXFeed {
	return &OKXFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Exchange implements Feed.
func (f *OKXFeed) Exchange() domain.ExchangeID {
	return domain.ExchangeOKX
}

// okxInstID maps "BTC/USDT" onto OKX's "BTC-USDT-SWAP" instrument naming.
func okxInstID(pair domain.Pair) string {
	return strings.ReplaceAll(string(pair), "/", "-") + "-SWAP"
}

type okxFundingResponse struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []struct {
		InstID          string `json:"instId"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
	} `json:"data"`
}

// FetchFundingRate returns the current funding rate for the pair.
func (f *OKXFeed) FetchFundingRate(ctx context.Context, pair domain.Pair) (domain.FundingQuote, error) {
	u := fmt.Sprintf("%s/api/v5/public/funding-rate?instId=%s", f.baseURL, url.QueryEscape(okxInstID(pair)))

	var resp okxFundingResponse
	if err := f.getJSON(ctx, u, &resp); err != nil {
		return domain.FundingQuote{}, fmt.Errorf("okx: funding rate %s: %w", pair, err)
	}
	if resp.Code != "0" {
		return domain.FundingQuote{}, fmt.Errorf("okx: funding rate %s: code %s: %s", pair, resp.Code, resp.Msg)
	}
	if len(resp.Data) == 0 {
		return domain.FundingQuote{}, fmt.Errorf("okx: funding rate %s: %w", pair, domain.ErrDataUnavailable)
	}

	row := resp.Data[0]
	rate, err := strconv.ParseFloat(row.FundingRate, 64)
	if err != nil {
		return domain.FundingQuote{}, fmt.Errorf("okx: funding rate %s: parse %q: %w", pair, row.FundingRate, err)
	}

	nextMillis, _ := strconv.ParseInt(row.NextFundingTime, 10, 64)

	return domain.FundingQuote{
		Pair:            pair,
		Exchange:        domain.ExchangeOKX,
		Rate:            rate,
		NextFundingTime: time.UnixMilli(nextMillis),
		FetchedAt:       time.Now().UTC(),
	}, nil
}

// FetchTakerFee returns the schedule taker rate for the pair.
func (f *OKXFeed) FetchTakerFee(_ context.Context, pair domain.Pair) (domain.FeeQuote, error) {
	return domain.FeeQuote{
		Pair:         pair,
		Exchange:     domain.ExchangeOKX,
		TakerFeeRate: okxDefaultTakerFee,
	}, nil
}

func (f *OKXFeed) getJSON(ctx context.Context, u string, dst any) error {
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

var _ Feed = (*OKXFeed)(nil)
