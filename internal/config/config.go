// Package config defines the top-level configuration for the perpetual
// futures execution bot and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PERPBOT_* environment variables.
type Config struct {
	Exchange  ExchangeConfig  `toml:"exchange"`
	Paper     PaperConfig     `toml:"paper"`
	Execution ExecutionConfig `toml:"execution"`
	Margin    MarginConfig    `toml:"margin"`
	Risk      RiskConfig      `toml:"risk"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Alerts    AlertsConfig    `toml:"alerts"`
	Feed      FeedConfig      `toml:"feed"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Archive   ArchiveConfig   `toml:"archive"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// ExchangeConfig holds Binance USDT-M futures credentials and call limits.
type ExchangeConfig struct {
	ApiKey              string   `toml:"api_key"`
	ApiSecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	Testnet             bool     `toml:"testnet"`
	QuoteAsset          string   `toml:"quote_asset"`
	CallTimeout         duration `toml:"call_timeout"`
	FillLookupLimit     int      `toml:"fill_lookup_limit"`
}

// PaperConfig configures the emulated exchange used in paper mode.
type PaperConfig struct {
	InitialBalance float64 `toml:"initial_balance"`
}

// ExecutionConfig holds strategy selection and order tracking parameters.
type ExecutionConfig struct {
	MarketThreshold  float64  `toml:"market_threshold"`
	PartialThreshold float64  `toml:"partial_threshold"`
	LimitOffsetPct   float64  `toml:"limit_offset_pct"`
	SplitRatio       float64  `toml:"split_ratio"`
	LimitTimeout     duration `toml:"limit_timeout"`
	SweepInterval    duration `toml:"sweep_interval"`
	OrderRetention   duration `toml:"order_retention"`
	DefaultLeverage  float64  `toml:"default_leverage"`
	SignalDedupTTL   duration `toml:"signal_dedup_ttl"`
	// OrdersPerMinute caps order placements per symbol. Zero disables the limit.
	OrdersPerMinute int `toml:"orders_per_minute"`
	SignalBuffer    int `toml:"signal_buffer"`
}

// MarginConfig holds the usage ratios that drive margin health.
type MarginConfig struct {
	WarningRatio  float64 `toml:"warning_ratio"`
	CriticalRatio float64 `toml:"critical_ratio"`
	DangerRatio   float64 `toml:"danger_ratio"`
}

// RiskConfig holds the daily portfolio limits.
type RiskConfig struct {
	MaxDailyRiskPercent     float64 `toml:"max_daily_risk_percent"`
	MaxDailyDrawdownPercent float64 `toml:"max_daily_drawdown_percent"`
}

// ReconcileConfig controls the ledger/exchange reconciliation loop.
type ReconcileConfig struct {
	Enabled      bool     `toml:"enabled"`
	Interval     duration `toml:"interval"`
	LockTTL      duration `toml:"lock_ttl"`
	PendingGrace duration `toml:"pending_grace"`
}

// AlertsConfig controls escalation of repeated failures.
type AlertsConfig struct {
	FailureThreshold int `toml:"failure_threshold"`
}

// FeedConfig controls price and signal ingestion.
type FeedConfig struct {
	Symbols             []string `toml:"symbols"`
	ResubscribeInterval duration `toml:"resubscribe_interval"`
	SignalStream        string   `toml:"signal_stream"`
}

// LedgerConfig selects the persistent ledger backend.
type LedgerConfig struct {
	Driver string `toml:"driver"`
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
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
	KeyPrefix    string `toml:"key_prefix"`
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

// ArchiveConfig controls export of closed trades and terminal orders.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled            bool     `toml:"enabled"`
	Port               int      `toml:"port"`
	CORSOrigins        []string `toml:"cors_origins"`
	APIKey             string   `toml:"api_key"`
	RateLimitPerMinute int      `toml:"rate_limit_per_minute"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Exchange: ExchangeConfig{
			Testnet:         true,
			QuoteAsset:      "USDT",
			CallTimeout:     duration{5 * time.Second},
			FillLookupLimit: 100,
		},
		Paper: PaperConfig{
			InitialBalance: 1000,
		},
		Execution: ExecutionConfig{
			MarketThreshold:  70,
			PartialThreshold: 50,
			LimitOffsetPct:   0.1,
			SplitRatio:       0.5,
			LimitTimeout:     duration{5 * time.Minute},
			SweepInterval:    duration{time.Second},
			OrderRetention:   duration{24 * time.Hour},
			DefaultLeverage:  10,
			SignalDedupTTL:   duration{10 * time.Minute},
			OrdersPerMinute:  20,
			SignalBuffer:     64,
		},
		Margin: MarginConfig{
			WarningRatio:  0.70,
			CriticalRatio: 0.85,
			DangerRatio:   0.90,
		},
		Risk: RiskConfig{
			MaxDailyRiskPercent:     5.0,
			MaxDailyDrawdownPercent: 5.0,
		},
		Reconcile: ReconcileConfig{
			Enabled:      true,
			Interval:     duration{5 * time.Minute},
			LockTTL:      duration{2 * time.Minute},
			PendingGrace: duration{10 * time.Minute},
		},
		Alerts: AlertsConfig{
			FailureThreshold: 3,
		},
		Feed: FeedConfig{
			Symbols:             []string{},
			ResubscribeInterval: duration{30 * time.Second},
			SignalStream:        "signals",
		},
		Ledger: LedgerConfig{
			Driver: "postgres",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "perpbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			KeyPrefix:    "perpbot:",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "perpbot-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Enabled:            true,
			Port:               8000,
			CORSOrigins:        []string{"http://localhost:3000"},
			RateLimitPerMinute: 120,
		},
		Notify: NotifyConfig{
			Events: []string{
				"order_filled",
				"position_closed",
				"orphan_reconciled",
				"untracked_exchange_position",
				"critical_alert",
			},
		},
		Mode:     "paper",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":      true,
	"paper":     true,
	"monitor":   true,
	"reconcile": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLedgerDrivers = map[string]bool{
	"postgres": true,
	"memory":   true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper, monitor, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Exchange credentials are needed whenever the real account is touched.
	if mode == "live" || mode == "reconcile" {
		if c.Exchange.ApiKey == "" {
			errs = append(errs, "exchange: api_key must be set for mode "+c.Mode)
		}
		if c.Exchange.ApiSecret == "" && c.Exchange.EncryptedSecretPath == "" {
			errs = append(errs, "exchange: either api_secret or encrypted_secret_path must be set for mode "+c.Mode)
		}
		if c.Exchange.EncryptedSecretPath != "" && c.Exchange.SecretPassword == "" {
			errs = append(errs, "exchange: secret_password is required when encrypted_secret_path is set")
		}
	}
	if c.Exchange.CallTimeout.Duration <= 0 {
		errs = append(errs, "exchange: call_timeout must be > 0")
	}
	if c.Exchange.FillLookupLimit < 1 {
		errs = append(errs, "exchange: fill_lookup_limit must be >= 1")
	}
	if mode == "paper" && c.Paper.InitialBalance <= 0 {
		errs = append(errs, "paper: initial_balance must be > 0")
	}

	// Execution
	e := c.Execution
	if e.PartialThreshold < 0 || e.MarketThreshold > 100 || e.PartialThreshold > e.MarketThreshold {
		errs = append(errs, fmt.Sprintf("execution: thresholds must satisfy 0 <= partial (%.1f) <= market (%.1f) <= 100", e.PartialThreshold, e.MarketThreshold))
	}
	if e.LimitOffsetPct < 0 || e.LimitOffsetPct >= 100 {
		errs = append(errs, "execution: limit_offset_pct must be in [0, 100)")
	}
	if e.SplitRatio <= 0 || e.SplitRatio >= 1 {
		errs = append(errs, "execution: split_ratio must be in (0, 1)")
	}
	if e.LimitTimeout.Duration <= 0 {
		errs = append(errs, "execution: limit_timeout must be > 0")
	}
	if e.SweepInterval.Duration <= 0 {
		errs = append(errs, "execution: sweep_interval must be > 0")
	}
	if e.DefaultLeverage < 1 {
		errs = append(errs, "execution: default_leverage must be >= 1")
	}
	if e.OrdersPerMinute < 0 {
		errs = append(errs, "execution: orders_per_minute must be >= 0")
	}
	if e.SignalBuffer < 1 {
		errs = append(errs, "execution: signal_buffer must be >= 1")
	}

	// Margin ratios must be ordered.
	m := c.Margin
	if !(0 < m.WarningRatio && m.WarningRatio <= m.CriticalRatio && m.CriticalRatio <= m.DangerRatio && m.DangerRatio <= 1) {
		errs = append(errs, "margin: ratios must satisfy 0 < warning <= critical <= danger <= 1")
	}

	if c.Risk.MaxDailyRiskPercent <= 0 {
		errs = append(errs, "risk: max_daily_risk_percent must be > 0")
	}
	if c.Risk.MaxDailyDrawdownPercent <= 0 {
		errs = append(errs, "risk: max_daily_drawdown_percent must be > 0")
	}

	if c.Reconcile.Enabled && c.Reconcile.Interval.Duration <= 0 {
		errs = append(errs, "reconcile: interval must be > 0 when enabled")
	}
	if c.Reconcile.LockTTL.Duration <= 0 {
		errs = append(errs, "reconcile: lock_ttl must be > 0")
	}
	// A pending position younger than its limit orders' timeout may still fill.
	if c.Reconcile.PendingGrace.Duration <= e.LimitTimeout.Duration {
		errs = append(errs, fmt.Sprintf("reconcile: pending_grace (%s) must exceed execution.limit_timeout (%s)",
			c.Reconcile.PendingGrace.Duration, e.LimitTimeout.Duration))
	}
	if c.Alerts.FailureThreshold < 1 {
		errs = append(errs, "alerts: failure_threshold must be >= 1")
	}

	// Ledger
	if !validLedgerDrivers[strings.ToLower(c.Ledger.Driver)] {
		errs = append(errs, fmt.Sprintf("ledger: unknown driver %q (valid: postgres, memory)", c.Ledger.Driver))
	}
	if mode == "live" && strings.EqualFold(c.Ledger.Driver, "memory") {
		errs = append(errs, "ledger: memory driver is not allowed in live mode")
	}

	// Postgres
	if strings.EqualFold(c.Ledger.Driver, "postgres") {
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
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3 is only required when archiving is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be > 0")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
