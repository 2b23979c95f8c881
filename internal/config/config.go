// Package config defines the top-level configuration for the funding bot
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marcusleung/fundingbot/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by FUNDBOT_* environment
// variables.
type Config struct {
	Exchanges ExchangesConfig `toml:"exchanges"`
	Pairs     PairsConfig     `toml:"pairs"`
	Detector  DetectorConfig  `toml:"detector"`
	Collector CollectorConfig `toml:"collector"`
	Queue     QueueConfig     `toml:"queue"`
	Fairness  FairnessConfig  `toml:"fairness"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangesConfig lists the exchanges to poll and their REST endpoints.
type ExchangesConfig struct {
	Enabled    []string `toml:"enabled"`
	BinanceURL string   `toml:"binance_url"`
	BybitURL   string   `toml:"bybit_url"`
	OKXURL     string   `toml:"okx_url"`
	// BinanceWS enables the mark-price WebSocket stream that keeps the
	// funding cache warm between REST polls.
	BinanceWS string `toml:"binance_ws"`
}

// PairsConfig lists the monitored trading pairs.
type PairsConfig struct {
	Monitored []string `toml:"monitored"`
	// FeeFree marks pairs that are explicitly known to trade without taker
	// fees. Missing fee data for any other pair excludes the exchange pair
	// from detection; fees are never silently assumed zero.
	FeeFree []string `toml:"fee_free"`
}

// DetectorConfig holds the opportunity scoring parameters.
type DetectorConfig struct {
	// Threshold is the minimum net rate difference for an opportunity.
	Threshold float64 `toml:"threshold"`
	// MaxThreshold rejects implausibly large spreads, which usually mean a
	// bad quote rather than free money.
	MaxThreshold  float64  `toml:"max_threshold"`
	CycleInterval duration `toml:"cycle_interval"`
}

// CollectorConfig bounds the market data fan-out.
type CollectorConfig struct {
	FetchTimeout           duration `toml:"fetch_timeout"`
	CycleDeadline          duration `toml:"cycle_deadline"`
	ConcurrencyPerExchange int      `toml:"concurrency_per_exchange"`
	// StreamMaxAge is how old a streamed funding quote may be before the
	// collector falls back to REST for that cell.
	StreamMaxAge duration `toml:"stream_max_age"`
}

// QueueConfig holds the live opportunity queue parameters.
type QueueConfig struct {
	OpportunityTTL         duration `toml:"opportunity_ttl"`
	MaxQueueSize           int      `toml:"max_queue_size"`
	MaxParticipantsDefault int      `toml:"max_participants_default"`
	DistributionStrategy   string   `toml:"distribution_strategy"`
	ExpireSweepInterval    duration `toml:"expire_sweep_interval"`
}

// FairnessConfig keeps limited-participation opportunities from being
// monopolized by a subset of subscribers.
type FairnessConfig struct {
	Cooldown         duration           `toml:"cooldown"`
	MaxPerUserPerDay int                `toml:"max_per_user_per_day"`
	TierMultipliers  map[string]float64 `toml:"tier_multipliers"`
	// ActivityBoost multiplies the ranked-distribution priority of
	// subscribers last active within ActivityWindow. 1.0 disables the boost.
	ActivityBoost  float64  `toml:"activity_boost"`
	ActivityWindow duration `toml:"activity_window"`
}

// DispatchConfig holds notification delivery parameters.
type DispatchConfig struct {
	Workers          int      `toml:"workers"`
	RetryAttempts    int      `toml:"retry_attempts"`
	RetryBackoffBase duration `toml:"retry_backoff_base"`
	// PerUserLimit/PerUserWindow cap notifications per subscriber through
	// the shared Redis rate limiter.
	PerUserLimit  int      `toml:"per_user_limit"`
	PerUserWindow duration `toml:"per_user_window"`
	// SendRatePerSec caps aggregate outbound sends across all workers
	// (Telegram's bot API allows roughly 30 messages per second).
	SendRatePerSec float64 `toml:"send_rate_per_sec"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls cold archival of closed opportunities.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
	BatchSize int      `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials. TelegramChatID is the
// fallback chat for subscribers without their own chat address and for
// operator alerts.
type NotifyConfig struct {
	TelegramToken  string `toml:"telegram_token"`
	TelegramChatID string `toml:"telegram_chat_id"`
	WebhookURL     string `toml:"webhook_url"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchanges: ExchangesConfig{
			Enabled:    []string{"binance", "bybit", "okx"},
			BinanceURL: "https://fapi.binance.com",
			BybitURL:   "https://api.bybit.com",
			OKXURL:     "https://www.okx.com",
			BinanceWS:  "wss://fstream.binance.com/ws",
		},
		Pairs: PairsConfig{
			Monitored: []string{"BTC/USDT", "ETH/USDT"},
			FeeFree:   []string{},
		},
		Detector: DetectorConfig{
			Threshold:     0.0001,
			MaxThreshold:  0.02,
			CycleInterval: duration{30 * time.Second},
		},
		Collector: CollectorConfig{
			FetchTimeout:           duration{5 * time.Second},
			CycleDeadline:          duration{20 * time.Second},
			ConcurrencyPerExchange: 4,
			StreamMaxAge:           duration{15 * time.Second},
		},
		Queue: QueueConfig{
			OpportunityTTL:         duration{10 * time.Minute},
			MaxQueueSize:           50,
			MaxParticipantsDefault: 10,
			DistributionStrategy:   string(domain.StrategyPriorityRanked),
			ExpireSweepInterval:    duration{30 * time.Second},
		},
		Fairness: FairnessConfig{
			Cooldown:         duration{5 * time.Minute},
			MaxPerUserPerDay: 20,
			TierMultipliers: map[string]float64{
				"free":       1.0,
				"basic":      1.5,
				"premium":    2.0,
				"enterprise": 3.0,
			},
			ActivityBoost:  1.2,
			ActivityWindow: duration{time.Hour},
		},
		Dispatch: DispatchConfig{
			Workers:          8,
			RetryAttempts:    3,
			RetryBackoffBase: duration{500 * time.Millisecond},
			PerUserLimit:     10,
			PerUserWindow:    duration{time.Hour},
			SendRatePerSec:   25,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "fundingbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "fundingbot-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{30 * 24 * time.Hour},
			Interval:  duration{6 * time.Hour},
			BatchSize: 500,
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"detect": true,
	"serve":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found. Validation failures are
// fatal at startup.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: detect, serve)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(c.Exchanges.Enabled) == 0 {
		errs = append(errs, "exchanges: enabled must not be empty")
	}
	if len(c.Pairs.Monitored) == 0 {
		errs = append(errs, "pairs: monitored must not be empty")
	}

	if c.Detector.Threshold <= 0 {
		errs = append(errs, "detector: threshold must be > 0")
	}
	if c.Detector.MaxThreshold > 0 && c.Detector.MaxThreshold <= c.Detector.Threshold {
		errs = append(errs, "detector: max_threshold must exceed threshold")
	}
	if c.Detector.CycleInterval.Duration <= 0 {
		errs = append(errs, "detector: cycle_interval must be positive")
	}

	if c.Collector.FetchTimeout.Duration <= 0 {
		errs = append(errs, "collector: fetch_timeout must be positive")
	}
	if c.Collector.ConcurrencyPerExchange < 1 {
		errs = append(errs, "collector: concurrency_per_exchange must be >= 1")
	}

	if c.Queue.OpportunityTTL.Duration <= 0 {
		errs = append(errs, "queue: opportunity_ttl must be positive")
	}
	if c.Queue.MaxQueueSize < 1 {
		errs = append(errs, "queue: max_queue_size must be >= 1")
	}
	if c.Queue.MaxParticipantsDefault < 0 {
		errs = append(errs, "queue: max_participants_default must be >= 0")
	}
	if !domain.DistributionStrategy(c.Queue.DistributionStrategy).Valid() {
		errs = append(errs, fmt.Sprintf("queue: unknown distribution_strategy %q (valid: broadcast, first_come_limited, priority_ranked)", c.Queue.DistributionStrategy))
	}

	if c.Fairness.ActivityBoost < 1 {
		errs = append(errs, "fairness: activity_boost must be >= 1 (1.0 disables)")
	}

	if c.Dispatch.Workers < 1 {
		errs = append(errs, "dispatch: workers must be >= 1")
	}
	if c.Dispatch.RetryAttempts < 1 {
		errs = append(errs, "dispatch: retry_attempts must be >= 1")
	}
	if c.Dispatch.RetryBackoffBase.Duration <= 0 {
		errs = append(errs, "dispatch: retry_backoff_base must be positive")
	}

	if c.Mode == "serve" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Notify.TelegramToken == "" && c.Notify.WebhookURL == "" {
			errs = append(errs, "notify: at least one of telegram_token or webhook_url must be set in serve mode")
		}
	}

	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// MonitoredPairs returns the configured pairs as domain values.
func (c *Config) MonitoredPairs() []domain.Pair {
	pairs := make([]domain.Pair, 0, len(c.Pairs.Monitored))
	for _, p := range c.Pairs.Monitored {
		pairs = append(pairs, domain.Pair(strings.ToUpper(strings.TrimSpace(p))))
	}
	return pairs
}

// EnabledExchanges returns the configured exchanges as domain values.
func (c *Config) EnabledExchanges() []domain.ExchangeID {
	exs := make([]domain.ExchangeID, 0, len(c.Exchanges.Enabled))
	for _, e := range c.Exchanges.Enabled {
		exs = append(exs, domain.ParseExchangeID(e))
	}
	return exs
}

// FeeFreePairs returns the fee-free pair set.
func (c *Config) FeeFreePairs() map[domain.Pair]bool {
	set := make(map[domain.Pair]bool, len(c.Pairs.FeeFree))
	for _, p := range c.Pairs.FeeFree {
		set[domain.Pair(strings.ToUpper(strings.TrimSpace(p)))] = true
	}
	return set
}
