package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/marcusleung/fundingbot/internal/blob/s3"
	"github.com/marcusleung/fundingbot/internal/cache/redis"
	"github.com/marcusleung/fundingbot/internal/config"
	"github.com/marcusleung/fundingbot/internal/domain"
	"github.com/marcusleung/fundingbot/internal/market"
	"github.com/marcusleung/fundingbot/internal/notify"
	"github.com/marcusleung/fundingbot/internal/store/postgres"
)

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores (nil in detect mode)
	OpportunityStore  domain.OpportunityStore
	DistributionStore domain.DistributionStore
	Subscribers       domain.SubscriberDirectory
	AuditStore        domain.AuditStore

	// Redis-backed coordination (nil in detect mode)
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	Fairness    domain.FairnessTracker

	// Blob storage (nil unless archival is enabled)
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Market data
	Feeds        []market.Feed
	FundingCache *market.MemoryFundingCache
	Stream       *market.BinanceStream

	// Notification channels
	Senders []notify.Sender
}

// needsPostgres reports whether the mode requires persistence.
func needsPostgres(mode string) bool {
	return mode == "serve"
}

// needsRedis reports whether the mode requires distributed coordination.
func needsRedis(mode string) bool {
	return mode == "serve"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them with a cleanup function for shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	mode := strings.ToLower(cfg.Mode)

	// --- PostgreSQL ---
	if needsPostgres(mode) {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.OpportunityStore = postgres.NewOpportunityStore(pool)
		deps.DistributionStore = postgres.NewDistributionStore(pool)
		deps.Subscribers = postgres.NewSubscriberStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Fairness = redis.NewFairnessTracker(redisClient)
	}

	// --- S3 blob storage ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		if deps.OpportunityStore != nil && deps.DistributionStore != nil {
			deps.Archiver = s3blob.NewArchiver(
				s3blob.ArchiverConfig{
					Retention: cfg.Archive.Retention.Duration,
					BatchSize: cfg.Archive.BatchSize,
				},
				deps.BlobWriter,
				deps.OpportunityStore,
				deps.DistributionStore,
				deps.AuditStore,
				logger,
			)
		}
	}

	// --- Market feeds ---
	deps.FundingCache = market.NewMemoryFundingCache()
	for _, ex := range cfg.EnabledExchanges() {
		switch ex {
		case domain.ExchangeBinance:
			deps.Feeds = append(deps.Feeds, market.NewBinanceFeed(cfg.Exchanges.BinanceURL))
		case domain.ExchangeBybit:
			deps.Feeds = append(deps.Feeds, market.NewBybitFeed(cfg.Exchanges.BybitURL))
		case domain.ExchangeOKX:
			deps.Feeds = append(deps.Feeds, market.NewOKXFeed(cfg.Exchanges.OKXURL))
		default:
			logger.Warn("no feed implementation for exchange", slog.String("exchange", string(ex)))
		}
	}

	if cfg.Exchanges.BinanceWS != "" && hasExchange(cfg, domain.ExchangeBinance) {
		deps.Stream = market.NewBinanceStream(cfg.Exchanges.BinanceWS, cfg.MonitoredPairs(), deps.FundingCache, logger)
		closers = append(closers, deps.Stream.Close)
	}

	// --- Notification channels ---
	if cfg.Notify.TelegramToken != "" {
		deps.Senders = append(deps.Senders,
			notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.WebhookURL != "" {
		deps.Senders = append(deps.Senders,
			notify.NewWebhookSender(cfg.Notify.WebhookURL))
	}

	return deps, cleanup, nil
}

func hasExchange(cfg *config.Config, ex domain.ExchangeID) bool {
	for _, e := range cfg.EnabledExchanges() {
		if e == ex {
			return true
		}
	}
	return false
}
