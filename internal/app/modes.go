package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcusleung/fundingbot/internal/detect"
	"github.com/marcusleung/fundingbot/internal/dispatch"
	"github.com/marcusleung/fundingbot/internal/distribute"
	"github.com/marcusleung/fundingbot/internal/domain"
	"github.com/marcusleung/fundingbot/internal/market"
)

// newCollector builds the market data collector from configuration.
func (a *App) newCollector(deps *Dependencies) *market.Collector {
	return market.NewCollector(deps.Feeds, deps.FundingCache, market.CollectorOptions{
		FetchTimeout:           a.cfg.Collector.FetchTimeout.Duration,
		CycleDeadline:          a.cfg.Collector.CycleDeadline.Duration,
		ConcurrencyPerExchange: a.cfg.Collector.ConcurrencyPerExchange,
		StreamMaxAge:           a.cfg.Collector.StreamMaxAge.Duration,
		FeeFreePairs:           a.cfg.FeeFreePairs(),
	}, a.logger)
}

// newDetector builds the opportunity detector from configuration.
func (a *App) newDetector() *detect.Detector {
	return detect.NewDetector(detect.Config{
		Threshold:       a.cfg.Detector.Threshold,
		MaxThreshold:    a.cfg.Detector.MaxThreshold,
		OpportunityTTL:  a.cfg.Queue.OpportunityTTL.Duration,
		Strategy:        domain.DistributionStrategy(a.cfg.Queue.DistributionStrategy),
		MaxParticipants: a.cfg.Queue.MaxParticipantsDefault,
	}, a.logger)
}

// DetectMode runs collection and detection only, logging what it finds.
// Useful for tuning thresholds before pointing the bot at real subscribers.
func (a *App) DetectMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting detect mode")

	collector := a.newCollector(deps)
	detector := a.newDetector()

	g, ctx := errgroup.WithContext(ctx)

	if deps.Stream != nil {
		g.Go(func() error { return deps.Stream.Run(ctx) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Detector.CycleInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				rates, fees := collector.Collect(ctx, a.cfg.EnabledExchanges(), a.cfg.MonitoredPairs())
				for _, opp := range detector.Detect(rates, fees) {
					a.logger.Info("opportunity detected",
						slog.String("pair", string(opp.Pair)),
						slog.String("long", string(opp.LongExchange)),
						slog.String("short", string(opp.ShortExchange)),
						slog.Float64("rate_diff", opp.RateDifference),
						slog.Float64("net_rate_diff", opp.NetRateDifference),
						slog.Float64("priority_score", opp.PriorityScore),
					)
				}
			}
		}
	})

	return g.Wait()
}

// ServeMode runs the full pipeline: collection, detection, distribution, and
// notification dispatch, plus the expiry sweeper and optional archiver.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	collector := a.newCollector(deps)
	detector := a.newDetector()

	engine := distribute.NewEngine(distribute.Config{
		MaxQueueSize:     a.cfg.Queue.MaxQueueSize,
		Cooldown:         a.cfg.Fairness.Cooldown.Duration,
		MaxPerUserPerDay: a.cfg.Fairness.MaxPerUserPerDay,
		TierMultipliers:  a.cfg.Fairness.TierMultipliers,
		ActivityBoost:    a.cfg.Fairness.ActivityBoost,
		ActivityWindow:   a.cfg.Fairness.ActivityWindow.Duration,
	}, deps.OpportunityStore, deps.DistributionStore, deps.Subscribers, deps.LockManager, deps.Fairness, deps.AuditStore, a.logger)

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workers:          a.cfg.Dispatch.Workers,
		RetryAttempts:    a.cfg.Dispatch.RetryAttempts,
		RetryBackoffBase: a.cfg.Dispatch.RetryBackoffBase.Duration,
		PerUserLimit:     a.cfg.Dispatch.PerUserLimit,
		PerUserWindow:    a.cfg.Dispatch.PerUserWindow.Duration,
		SendRatePerSec:   a.cfg.Dispatch.SendRatePerSec,
	}, deps.Senders, deps.DistributionStore, deps.RateLimiter, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dispatcher.Run(ctx) })

	if deps.Stream != nil {
		g.Go(func() error { return deps.Stream.Run(ctx) })
	}

	// Detection cycle: collect, detect, submit, allocate, enqueue.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Detector.CycleInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				a.runCycle(ctx, collector, detector, engine, dispatcher)
			}
		}
	})

	// Expiry sweeper.
	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Queue.ExpireSweepInterval.Duration)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				engine.SweepExpired(ctx)
			}
		}
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.Archive.Interval.Duration)
		})
	}

	return g.Wait()
}

// runCycle executes one detection pass end to end. Failures on individual
// opportunities are logged and the cycle continues.
func (a *App) runCycle(ctx context.Context, collector *market.Collector, detector *detect.Detector, engine *distribute.Engine, dispatcher *dispatch.Dispatcher) {
	rates, fees := collector.Collect(ctx, a.cfg.EnabledExchanges(), a.cfg.MonitoredPairs())

	for _, opp := range detector.Detect(rates, fees) {
		accepted, err := engine.Submit(ctx, opp)
		if err != nil {
			a.logger.Error("opportunity submit failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !accepted {
			continue
		}

		allocs, err := engine.Allocate(ctx, opp.ID)
		if err != nil {
			if errors.Is(err, domain.ErrOpportunityExpired) {
				// Expired between submit and allocation; the engine already
				// retired the entry.
				a.logger.Debug("opportunity expired before allocation",
					slog.String("opportunity_id", opp.ID))
				continue
			}
			a.logger.Error("opportunity allocation failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()))
			continue
		}

		for _, alloc := range allocs {
			if err := dispatcher.Enqueue(ctx, alloc); err != nil {
				a.logger.Error("dispatch enqueue failed",
					slog.String("opportunity_id", alloc.Opportunity.ID),
					slog.String("subscriber_id", alloc.Subscriber.ID),
					slog.String("error", err.Error()))
			}
		}
	}
}
