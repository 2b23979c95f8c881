package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marcusleung/fundingbot/internal/domain"
)

const (
	// wsWriteWait is the time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// wsPongWait is the time allowed to read the next pong from the peer.
	wsPongWait = 60 * time.Second

	// wsPingPeriod sends pings at this interval. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait * 9) / 10

	// wsReconnectDelay is the base delay before attempting to reconnect.
	wsReconnectDelay = 2 * time.Second

	// wsMaxReconnectDelay caps the exponential backoff for reconnection.
	wsMaxReconnectDelay = 60 * time.Second
)

// BinanceStream subscribes to the Binance futures mark-price stream and keeps
// the funding cache warm so collection cycles can skip REST calls for pairs
// with a fresh streamed quote. The mark-price payload carries the current
// funding rate alongside the price.
type BinanceStream struct {
	wsURL  string
	pairs  []domain.Pair
	cache  *MemoryFundingCache
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewBinanceStream creates a stream for the given pairs. wsURL is the combined
// stream endpoint, e.g. "wss://fstream.binance.com/stream".
func NewBinanceStream(wsURL string, pairs []domain.Pair, cache *MemoryFundingCache, logger *slog.Logger) *BinanceStream {
	return &BinanceStream{
		wsURL:  wsURL,
		pairs:  pairs,
		cache:  cache,
		logger: logger.With(slog.String("component", "binance_stream")),
		done:   make(chan struct{}),
	}
}

// Run connects and consumes mark-price updates until ctx is cancelled.
// Reconnects with exponential backoff on disconnect.
func (s *BinanceStream) Run(ctx context.Context) error {
	if len(s.pairs) == 0 {
		s.logger.Info("no pairs to stream, exiting")
		return nil
	}

	delay := wsReconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		err := s.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("binance stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}

// Close stops the stream.
func (s *BinanceStream) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// streamURL builds the combined-stream URL: one markPrice stream per pair.
func (s *BinanceStream) streamURL() string {
	streams := make([]string, 0, len(s.pairs))
	for _, p := range s.pairs {
		streams = append(streams, strings.ToLower(p.Compact())+"@markPrice")
	}
	return s.wsURL + "?streams=" + strings.Join(streams, "/")
}

func (s *BinanceStream) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}

	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("market: binance stream connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		case <-stop:
			return
		}
		conn.Close()
	}()

	go s.pingLoop(conn, stop)

	s.logger.Info("binance stream connected", slog.Int("pairs", len(s.pairs)))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("market: binance stream read: %w", err)
		}
		s.handleMessage(message)
	}
}

func (s *BinanceStream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// markPriceEvent is the payload of a markPriceUpdate event on the combined
// stream.
type markPriceEvent struct {
	EventType       string `json:"e"`
	Symbol          string `json:"s"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
	EventTime       int64  `json:"E"`
}

func (s *BinanceStream) handleMessage(raw []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // drop unparseable messages
	}

	var ev markPriceEvent
	if err := json.Unmarshal(envelope.Data, &ev); err != nil || ev.EventType != "markPriceUpdate" {
		return
	}

	rate, err := strconv.ParseFloat(ev.FundingRate, 64)
	if err != nil {
		return
	}

	pair, ok := s.pairForSymbol(ev.Symbol)
	if !ok {
		return
	}

	s.cache.Put(domain.FundingQuote{
		Pair:            pair,
		Exchange:        domain.ExchangeBinance,
		Rate:            rate,
		NextFundingTime: time.UnixMilli(ev.NextFundingTime),
		FetchedAt:       time.UnixMilli(ev.EventTime).UTC(),
	})
}

// pairForSymbol maps a compact exchange symbol ("BTCUSDT") back to the
// configured pair ("BTC/USDT").
func (s *BinanceStream) pairForSymbol(symbol string) (domain.Pair, bool) {
	for _, p := range s.pairs {
		if strings.EqualFold(p.Compact(), symbol) {
			return p, true
		}
	}
	return "", false
}
