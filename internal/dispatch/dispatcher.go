// Package dispatch delivers allocated opportunities to subscribers through
// the configured notification channels, with retries, per-subscriber rate
// limits, and an aggregate outbound send cap.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/marcusleung/fundingbot/internal/distribute"
	"github.com/marcusleung/fundingbot/internal/domain"
	"github.com/marcusleung/fundingbot/internal/notify"
)

// Config holds delivery parameters.
type Config struct {
	Workers          int
	RetryAttempts    int
	RetryBackoffBase time.Duration
	// PerUserLimit/PerUserWindow cap notifications per subscriber via the
	// shared distributed rate limiter.
	PerUserLimit  int
	PerUserWindow time.Duration
	// SendRatePerSec caps aggregate outbound sends across all workers.
	SendRatePerSec float64
	QueueSize      int
}

// Dispatcher consumes allocations and turns each into a notification,
// recording the outcome on the distribution record. Delivery is idempotent
// per (opportunity, subscriber): an allocation whose record is already sent
// is skipped.
type Dispatcher struct {
	cfg     Config
	senders []notify.Sender
	dist    domain.DistributionStore
	users   domain.RateLimiter
	global  *rate.Limiter
	logger  *slog.Logger
	jobs    chan distribute.Allocation

	// sleep is swapped in tests to observe backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a dispatcher over the given channels. users may be
// nil when no distributed limiter is wired (detect mode).
func NewDispatcher(cfg Config, senders []notify.Sender, dist domain.DistributionStore, users domain.RateLimiter, logger *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 256
	}
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 25
	}
	return &Dispatcher{
		cfg:     cfg,
		senders: senders,
		dist:    dist,
		users:   users,
		global:  rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), int(cfg.SendRatePerSec)+1),
		logger:  logger.With(slog.String("component", "dispatcher")),
		jobs:    make(chan distribute.Allocation, cfg.QueueSize),
		sleep:   sleepCtx,
	}
}

// Enqueue hands an allocation to the worker pool. Blocks when the queue is
// full until a worker drains it or ctx ends.
func (d *Dispatcher) Enqueue(ctx context.Context, alloc distribute.Allocation) error {
	select {
	case d.jobs <- alloc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case alloc := <-d.jobs:
					res := d.deliver(gctx, alloc)
					d.record(gctx, res)
				}
			}
		})
	}
	d.logger.Info("dispatcher started", slog.Int("workers", d.cfg.Workers))
	defer d.logger.Info("dispatcher stopped")
	return g.Wait()
}

// Deliver processes one allocation synchronously. Run's workers use the same
// path.
func (d *Dispatcher) Deliver(ctx context.Context, alloc distribute.Allocation) domain.DeliveryResult {
	res := d.deliver(ctx, alloc)
	d.record(ctx, res)
	return res
}

func (d *Dispatcher) deliver(ctx context.Context, alloc distribute.Allocation) domain.DeliveryResult {
	res := domain.DeliveryResult{
		OpportunityID: alloc.Opportunity.ID,
		SubscriberID:  alloc.Subscriber.ID,
	}

	// Idempotency: the record is created before dispatch; a record already
	// marked sent means a previous run (or replica) delivered it.
	rec, err := d.dist.Get(ctx, alloc.Opportunity.ID, alloc.Subscriber.ID)
	if err == nil && rec.Status == domain.DeliverySent {
		res.Status = domain.DeliverySent
		res.Attempts = rec.Attempts
		return res
	}

	if d.users != nil {
		allowed, err := d.users.Allow(ctx, "notify:"+alloc.Subscriber.ID, d.cfg.PerUserLimit, d.cfg.PerUserWindow)
		if err != nil {
			d.logger.Warn("per-user limiter check failed, proceeding",
				slog.String("subscriber_id", alloc.Subscriber.ID),
				slog.String("error", err.Error()))
		} else if !allowed {
			res.Status = domain.DeliveryFailed
			res.Err = domain.ErrRateLimited
			return res
		}
	}

	msg := notify.RenderOpportunity(alloc.Opportunity, alloc.Subscriber)

	var lastErr error
	for attempt := 1; attempt <= d.cfg.RetryAttempts; attempt++ {
		res.Attempts = attempt

		if err := d.global.Wait(ctx); err != nil {
			res.Status = domain.DeliveryFailed
			res.Err = err
			return res
		}

		lastErr = d.sendAll(ctx, msg)
		if lastErr == nil {
			res.Status = domain.DeliverySent
			return res
		}
		if ctx.Err() != nil {
			break
		}

		wait := backoffFor(d.cfg.RetryBackoffBase, attempt)
		var rle *notify.RateLimitError
		if errors.As(lastErr, &rle) && rle.RetryAfter > wait {
			wait = rle.RetryAfter
		}
		d.logger.Warn("delivery attempt failed",
			slog.String("opportunity_id", alloc.Opportunity.ID),
			slog.String("subscriber_id", alloc.Subscriber.ID),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", lastErr.Error()))
		if attempt < d.cfg.RetryAttempts {
			if err := d.sleep(ctx, wait); err != nil {
				break
			}
		}
	}

	res.Status = domain.DeliveryFailed
	res.Err = fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, lastErr)
	return res
}

// sendAll delivers the message through every configured channel. A single
// channel failure fails the attempt so it is retried as a whole; senders are
// expected to tolerate duplicate sends.
func (d *Dispatcher) sendAll(ctx context.Context, msg notify.Message) error {
	var errs []error
	for _, s := range d.senders {
		if err := s.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// record writes the delivery outcome onto the distribution record.
func (d *Dispatcher) record(ctx context.Context, res domain.DeliveryResult) {
	response := "delivered"
	if res.Err != nil {
		response = res.Err.Error()
	}
	if err := d.dist.UpdateStatus(ctx, res.OpportunityID, res.SubscriberID, res.Status, res.Attempts, response); err != nil {
		d.logger.Warn("distribution record update failed",
			slog.String("opportunity_id", res.OpportunityID),
			slog.String("subscriber_id", res.SubscriberID),
			slog.String("error", err.Error()))
	}
	if res.Status == domain.DeliveryFailed {
		d.logger.Error("delivery failed",
			slog.String("opportunity_id", res.OpportunityID),
			slog.String("subscriber_id", res.SubscriberID),
			slog.Int("attempts", res.Attempts),
			slog.String("error", response))
	}
}
