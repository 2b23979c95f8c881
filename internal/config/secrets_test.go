package config

import "testing"

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Postgres.DSN = "postgres://u:p@host/db"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.AccessKey = "AKIA123"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Notify.TelegramToken = "12345:token"
	cfg.Notify.WebhookURL = "https://hooks.example.com/T123/secret"

	red := Redacted(&cfg)

	for name, got := range map[string]string{
		"postgres.password": red.Postgres.Password,
		"postgres.dsn":      red.Postgres.DSN,
		"redis.password":    red.Redis.Password,
		"s3.access_key":     red.S3.AccessKey,
		"s3.secret_key":     red.S3.SecretKey,
		"notify.telegram":   red.Notify.TelegramToken,
		"notify.webhook":    red.Notify.WebhookURL,
	} {
		if got != redacted {
			t.Errorf("%s = %q, want %q", name, got, redacted)
		}
	}

	// Non-secret fields survive.
	if red.Postgres.Host != cfg.Postgres.Host {
		t.Errorf("host changed: %q", red.Postgres.Host)
	}
	// Empty secrets stay empty rather than becoming "***".
	empty := Defaults()
	if r := Redacted(&empty); r.Redis.Password != "" {
		t.Errorf("empty password redacted to %q", r.Redis.Password)
	}
}

func TestRedactedCopiesDoNotAlias(t *testing.T) {
	cfg := Defaults()
	red := Redacted(&cfg)

	red.Pairs.Monitored[0] = "XRP/USDT"
	if cfg.Pairs.Monitored[0] == "XRP/USDT" {
		t.Error("redacted copy aliases monitored pairs")
	}

	red.Fairness.TierMultipliers["free"] = 99
	if cfg.Fairness.TierMultipliers["free"] == 99 {
		t.Error("redacted copy aliases tier multipliers")
	}
}
