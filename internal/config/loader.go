package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies FUNDBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known FUNDBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchanges ──
	setStringSlice(&cfg.Exchanges.Enabled, "FUNDBOT_EXCHANGES_ENABLED")
	setStr(&cfg.Exchanges.BinanceURL, "FUNDBOT_EXCHANGES_BINANCE_URL")
	setStr(&cfg.Exchanges.BybitURL, "FUNDBOT_EXCHANGES_BYBIT_URL")
	setStr(&cfg.Exchanges.OKXURL, "FUNDBOT_EXCHANGES_OKX_URL")
	setStr(&cfg.Exchanges.BinanceWS, "FUNDBOT_EXCHANGES_BINANCE_WS")

	// ── Pairs ──
	setStringSlice(&cfg.Pairs.Monitored, "FUNDBOT_PAIRS_MONITORED")
	setStringSlice(&cfg.Pairs.FeeFree, "FUNDBOT_PAIRS_FEE_FREE")

	// ── Detector ──
	setFloat64(&cfg.Detector.Threshold, "FUNDBOT_DETECTOR_THRESHOLD")
	setFloat64(&cfg.Detector.MaxThreshold, "FUNDBOT_DETECTOR_MAX_THRESHOLD")
	setDuration(&cfg.Detector.CycleInterval, "FUNDBOT_DETECTOR_CYCLE_INTERVAL")

	// ── Collector ──
	setDuration(&cfg.Collector.FetchTimeout, "FUNDBOT_COLLECTOR_FETCH_TIMEOUT")
	setDuration(&cfg.Collector.CycleDeadline, "FUNDBOT_COLLECTOR_CYCLE_DEADLINE")
	setInt(&cfg.Collector.ConcurrencyPerExchange, "FUNDBOT_COLLECTOR_CONCURRENCY_PER_EXCHANGE")

	// ── Queue ──
	setDuration(&cfg.Queue.OpportunityTTL, "FUNDBOT_QUEUE_OPPORTUNITY_TTL")
	setInt(&cfg.Queue.MaxQueueSize, "FUNDBOT_QUEUE_MAX_QUEUE_SIZE")
	setInt(&cfg.Queue.MaxParticipantsDefault, "FUNDBOT_QUEUE_MAX_PARTICIPANTS_DEFAULT")
	setStr(&cfg.Queue.DistributionStrategy, "FUNDBOT_QUEUE_DISTRIBUTION_STRATEGY")

	// ── Fairness ──
	setDuration(&cfg.Fairness.Cooldown, "FUNDBOT_FAIRNESS_COOLDOWN")
	setInt(&cfg.Fairness.MaxPerUserPerDay, "FUNDBOT_FAIRNESS_MAX_PER_USER_PER_DAY")
	setFloat64(&cfg.Fairness.ActivityBoost, "FUNDBOT_FAIRNESS_ACTIVITY_BOOST")
	setDuration(&cfg.Fairness.ActivityWindow, "FUNDBOT_FAIRNESS_ACTIVITY_WINDOW")

	// ── Dispatch ──
	setInt(&cfg.Dispatch.Workers, "FUNDBOT_DISPATCH_WORKERS")
	setInt(&cfg.Dispatch.RetryAttempts, "FUNDBOT_DISPATCH_RETRY_ATTEMPTS")
	setDuration(&cfg.Dispatch.RetryBackoffBase, "FUNDBOT_DISPATCH_RETRY_BACKOFF_BASE")
	setInt(&cfg.Dispatch.PerUserLimit, "FUNDBOT_DISPATCH_PER_USER_LIMIT")
	setDuration(&cfg.Dispatch.PerUserWindow, "FUNDBOT_DISPATCH_PER_USER_WINDOW")
	setFloat64(&cfg.Dispatch.SendRatePerSec, "FUNDBOT_DISPATCH_SEND_RATE_PER_SEC")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "FUNDBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "FUNDBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "FUNDBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "FUNDBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "FUNDBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "FUNDBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "FUNDBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "FUNDBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "FUNDBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "FUNDBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "FUNDBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FUNDBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FUNDBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "FUNDBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "FUNDBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "FUNDBOT_REDIS_TLS_ENABLED")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "FUNDBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "FUNDBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "FUNDBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "FUNDBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "FUNDBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "FUNDBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "FUNDBOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "FUNDBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "FUNDBOT_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "FUNDBOT_ARCHIVE_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "FUNDBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "FUNDBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.WebhookURL, "FUNDBOT_NOTIFY_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.Mode, "FUNDBOT_MODE")
	setStr(&cfg.LogLevel, "FUNDBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
