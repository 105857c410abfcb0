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
// built-in defaults, applies PERPBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known PERPBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Exchange ──
	setStr(&cfg.Exchange.ApiKey, "PERPBOT_EXCHANGE_API_KEY")
	setStr(&cfg.Exchange.ApiSecret, "PERPBOT_EXCHANGE_API_SECRET")
	setStr(&cfg.Exchange.EncryptedSecretPath, "PERPBOT_EXCHANGE_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Exchange.SecretPassword, "PERPBOT_EXCHANGE_SECRET_PASSWORD")
	setBool(&cfg.Exchange.Testnet, "PERPBOT_EXCHANGE_TESTNET")
	setStr(&cfg.Exchange.QuoteAsset, "PERPBOT_EXCHANGE_QUOTE_ASSET")
	setDuration(&cfg.Exchange.CallTimeout, "PERPBOT_EXCHANGE_CALL_TIMEOUT")
	setInt(&cfg.Exchange.FillLookupLimit, "PERPBOT_EXCHANGE_FILL_LOOKUP_LIMIT")

	// ── Paper ──
	setFloat64(&cfg.Paper.InitialBalance, "PERPBOT_PAPER_INITIAL_BALANCE")

	// ── Execution ──
	setFloat64(&cfg.Execution.MarketThreshold, "PERPBOT_EXECUTION_MARKET_THRESHOLD")
	setFloat64(&cfg.Execution.PartialThreshold, "PERPBOT_EXECUTION_PARTIAL_THRESHOLD")
	setFloat64(&cfg.Execution.LimitOffsetPct, "PERPBOT_EXECUTION_LIMIT_OFFSET_PCT")
	setFloat64(&cfg.Execution.SplitRatio, "PERPBOT_EXECUTION_SPLIT_RATIO")
	setDuration(&cfg.Execution.LimitTimeout, "PERPBOT_EXECUTION_LIMIT_TIMEOUT")
	setDuration(&cfg.Execution.SweepInterval, "PERPBOT_EXECUTION_SWEEP_INTERVAL")
	setDuration(&cfg.Execution.OrderRetention, "PERPBOT_EXECUTION_ORDER_RETENTION")
	setFloat64(&cfg.Execution.DefaultLeverage, "PERPBOT_EXECUTION_DEFAULT_LEVERAGE")
	setDuration(&cfg.Execution.SignalDedupTTL, "PERPBOT_EXECUTION_SIGNAL_DEDUP_TTL")
	setInt(&cfg.Execution.OrdersPerMinute, "PERPBOT_EXECUTION_ORDERS_PER_MINUTE")
	setInt(&cfg.Execution.SignalBuffer, "PERPBOT_EXECUTION_SIGNAL_BUFFER")

	// ── Margin ──
	setFloat64(&cfg.Margin.WarningRatio, "PERPBOT_MARGIN_WARNING_RATIO")
	setFloat64(&cfg.Margin.CriticalRatio, "PERPBOT_MARGIN_CRITICAL_RATIO")
	setFloat64(&cfg.Margin.DangerRatio, "PERPBOT_MARGIN_DANGER_RATIO")

	// ── Risk ──
	setFloat64(&cfg.Risk.MaxDailyRiskPercent, "PERPBOT_RISK_MAX_DAILY_RISK_PERCENT")
	setFloat64(&cfg.Risk.MaxDailyDrawdownPercent, "PERPBOT_RISK_MAX_DAILY_DRAWDOWN_PERCENT")

	// ── Reconcile ──
	setBool(&cfg.Reconcile.Enabled, "PERPBOT_RECONCILE_ENABLED")
	setDuration(&cfg.Reconcile.Interval, "PERPBOT_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.LockTTL, "PERPBOT_RECONCILE_LOCK_TTL")
	setDuration(&cfg.Reconcile.PendingGrace, "PERPBOT_RECONCILE_PENDING_GRACE")

	setInt(&cfg.Alerts.FailureThreshold, "PERPBOT_ALERTS_FAILURE_THRESHOLD")

	// ── Feed ──
	setStringSlice(&cfg.Feed.Symbols, "PERPBOT_FEED_SYMBOLS")
	setDuration(&cfg.Feed.ResubscribeInterval, "PERPBOT_FEED_RESUBSCRIBE_INTERVAL")
	setStr(&cfg.Feed.SignalStream, "PERPBOT_FEED_SIGNAL_STREAM")

	// ── Ledger / Postgres ──
	setStr(&cfg.Ledger.Driver, "PERPBOT_LEDGER_DRIVER")
	setStr(&cfg.Postgres.DSN, "PERPBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PERPBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PERPBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PERPBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PERPBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PERPBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PERPBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PERPBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PERPBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PERPBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PERPBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PERPBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERPBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERPBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERPBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERPBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERPBOT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "PERPBOT_REDIS_STREAM_MAX_LEN")
	setStr(&cfg.Redis.KeyPrefix, "PERPBOT_REDIS_KEY_PREFIX")

	// ── S3 / Archive ──
	setStr(&cfg.S3.Endpoint, "PERPBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PERPBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "PERPBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PERPBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERPBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PERPBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PERPBOT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.Archive.Enabled, "PERPBOT_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "PERPBOT_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "PERPBOT_ARCHIVE_RETENTION_DAYS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PERPBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PERPBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PERPBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PERPBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimitPerMinute, "PERPBOT_SERVER_RATE_LIMIT_PER_MINUTE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PERPBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PERPBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PERPBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PERPBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "PERPBOT_MODE")
	setStr(&cfg.LogLevel, "PERPBOT_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
