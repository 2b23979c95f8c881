// Package detect turns collected funding-rate tables into arbitrage
// opportunities by comparing every exchange pair per monitored symbol.
package detect

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// priorityScoreScale converts a net rate difference (a small fraction) into a
// readable score. A 0.001 net spread scores 1.0.
const priorityScoreScale = 1000

// Config holds detection thresholds and the shape of emitted opportunities.
type Config struct {
	// Threshold is the minimum net rate difference for an opportunity.
	Threshold float64
	// MaxThreshold rejects implausibly large raw spreads as bad data when
	// positive; zero disables the guard.
	MaxThreshold float64

	OpportunityTTL  time.Duration
	Strategy        domain.DistributionStrategy
	MaxParticipants int
}

// Detector scans a cycle's rate and fee tables for profitable funding
// spreads.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "detector")),
		now:    time.Now,
	}
}

// Detect compares every exchange pairing per symbol and returns the
// opportunities whose net rate difference clears the threshold, ordered by
// priority score descending. A missing rate or fee cell excludes that
// pairing; absence is never treated as zero.
func (d *Detector) Detect(rates domain.RateTable, fees domain.FeeTable) []*domain.Opportunity {
	now := d.now().UTC()
	var out []*domain.Opportunity

	for pair, byExchange := range rates {
		exchanges := make([]domain.ExchangeID, 0, len(byExchange))
		for ex := range byExchange {
			exchanges = append(exchanges, ex)
		}
		// Deterministic pairing order keeps logs and tests stable.
		sort.Slice(exchanges, func(i, j int) bool { return exchanges[i] < exchanges[j] })

		for i := 0; i < len(exchanges); i++ {
			for j := i + 1; j < len(exchanges); j++ {
				if opp := d.compare(pair, rates, fees, exchanges[i], exchanges[j], now); opp != nil {
					out = append(out, opp)
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PriorityScore > out[j].PriorityScore })
	return out
}

// compare evaluates a single exchange pairing. Returns nil when the pairing
// is not a viable opportunity.
func (d *Detector) compare(pair domain.Pair, rates domain.RateTable, fees domain.FeeTable, a, b domain.ExchangeID, now time.Time) *domain.Opportunity {
	qa, qb := rates.Get(pair, a), rates.Get(pair, b)
	if qa == nil || qb == nil {
		return nil
	}

	// Long the lower rate, short the higher; the spread is what the position
	// collects per funding interval.
	long, short := qa, qb
	if long.Rate > short.Rate {
		long, short = short, long
	}
	rateDiff := short.Rate - long.Rate
	if rateDiff <= 0 {
		return nil
	}
	if d.cfg.MaxThreshold > 0 && rateDiff > d.cfg.MaxThreshold {
		d.logger.Warn("spread exceeds max threshold, dropping as bad data",
			slog.String("pair", string(pair)),
			slog.String("long", string(long.Exchange)),
			slog.String("short", string(short.Exchange)),
			slog.Float64("rate_diff", rateDiff))
		return nil
	}

	longFee := fees.Get(pair, long.Exchange)
	shortFee := fees.Get(pair, short.Exchange)
	if longFee == nil || shortFee == nil {
		// Unknown fees make the net spread unknowable. Skip rather than
		// guess; explicitly fee-free pairs arrive with a populated cell.
		d.logger.Debug("skipping pairing with unknown fees",
			slog.String("pair", string(pair)),
			slog.String("long", string(long.Exchange)),
			slog.String("short", string(short.Exchange)))
		return nil
	}

	totalFees := longFee.TakerFeeRate + shortFee.TakerFeeRate
	net := rateDiff - totalFees
	if net <= 0 || net < d.cfg.Threshold {
		return nil
	}

	return &domain.Opportunity{
		ID:                uuid.NewString(),
		Pair:              pair,
		LongExchange:      long.Exchange,
		ShortExchange:     short.Exchange,
		LongRate:          long.Rate,
		ShortRate:         short.Rate,
		RateDifference:    rateDiff,
		LongFee:           longFee.TakerFeeRate,
		ShortFee:          shortFee.TakerFeeRate,
		TotalFees:         totalFees,
		NetRateDifference: net,
		PriorityScore:     net * priorityScoreScale,
		DetectedAt:        now,
		ExpiresAt:         now.Add(d.cfg.OpportunityTTL),
		Strategy:          d.cfg.Strategy,
		MaxParticipants:   maxParticipantsFor(d.cfg.Strategy, d.cfg.MaxParticipants),
		State:             domain.OpportunityOpen,
	}
}

// maxParticipantsFor normalizes the cap: broadcast opportunities are always
// unlimited regardless of the configured default.
func maxParticipantsFor(s domain.DistributionStrategy, configured int) int {
	if s == domain.StrategyBroadcast {
		return domain.UnlimitedParticipants
	}
	return configured
}
