package config

// Redacted returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func Redacted(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	out.Postgres = cfg.Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify. Webhook URLs often embed tokens in the path.
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.WebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Exchanges.Enabled != nil {
		out.Exchanges.Enabled = make([]string, len(cfg.Exchanges.Enabled))
		copy(out.Exchanges.Enabled, cfg.Exchanges.Enabled)
	}
	if cfg.Pairs.Monitored != nil {
		out.Pairs.Monitored = make([]string, len(cfg.Pairs.Monitored))
		copy(out.Pairs.Monitored, cfg.Pairs.Monitored)
	}
	if cfg.Pairs.FeeFree != nil {
		out.Pairs.FeeFree = make([]string, len(cfg.Pairs.FeeFree))
		copy(out.Pairs.FeeFree, cfg.Pairs.FeeFree)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Fairness.TierMultipliers != nil {
		out.Fairness.TierMultipliers = make(map[string]float64, len(cfg.Fairness.TierMultipliers))
		for k, v := range cfg.Fairness.TierMultipliers {
			out.Fairness.TierMultipliers[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
