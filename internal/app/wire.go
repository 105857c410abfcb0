package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/metrics"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/platform/binance"
	"github.com/alanyoungcy/perpbot/internal/platform/paper"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/store/memory"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
)

const (
	priceCacheTTL  = 10 * time.Minute
	guardCacheTTL  = 24 * time.Hour
	streamMaxLenFb = int64(10000)
)

// Dependencies bundles the infrastructure every mode builds on. Optional
// pieces (Redis, S3) are nil interfaces when disabled.
type Dependencies struct {
	// Ledger
	Ledger domain.Ledger
	Audit  domain.AuditStore

	// Exchange
	Gateway domain.ExchangeGateway
	Stream  feed.PriceStream
	Paper   *paper.Exchange

	// Redis
	PriceCache  domain.PriceCache
	GuardCache  domain.GuardStatusCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	Blobs    *s3blob.Objects
	Archiver *s3blob.Archiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Checks feeds the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs the infrastructure from cfg and returns it together with a
// cleanup function that releases it in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	mode := strings.ToLower(cfg.Mode)
	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  make(map[string]handler.Check),
	}

	// --- Ledger ---
	switch strings.ToLower(cfg.Ledger.Driver) {
	case "memory":
		l := memory.NewLedger()
		deps.Ledger, deps.Audit = l, l
		logger.WarnContext(ctx, "using in-memory ledger, state is lost on exit")
	default:
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
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		l := postgres.NewLedger(pgClient.Pool())
		deps.Ledger, deps.Audit = l, l
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		maxLen := cfg.Redis.StreamMaxLen
		if maxLen <= 0 {
			maxLen = streamMaxLenFb
		}
		deps.PriceCache = redis.NewPriceCache(redisClient, priceCacheTTL)
		deps.GuardCache = redis.NewGuardStatusCache(redisClient, guardCacheTTL)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, maxLen)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 archive ---
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
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3 bucket: %w", err))
		}
		objects := s3blob.NewObjects(s3Client)
		deps.Blobs = objects
		deps.Archiver = s3blob.NewArchiver(objects, objects, deps.Ledger, deps.Audit, deps.Locks, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Exchange ---
	secret, err := crypto.LoadSecret(crypto.SecretSource{
		Plain:      cfg.Exchange.ApiSecret,
		SealedPath: cfg.Exchange.EncryptedSecretPath,
		Password:   cfg.Exchange.SecretPassword,
	})
	if err != nil {
		// Paper and monitor only read public market data.
		if mode == "live" || mode == "reconcile" {
			return fail(fmt.Errorf("wire: exchange secret: %w", err))
		}
		if !errors.Is(err, crypto.ErrNoSecret) {
			logger.WarnContext(ctx, "exchange secret unavailable, continuing without account access",
				slog.String("error", err.Error()),
			)
		}
	}
	gw := binance.NewGateway(binance.Config{
		APIKey:          cfg.Exchange.ApiKey,
		APISecret:       secret,
		Testnet:         cfg.Exchange.Testnet,
		QuoteAsset:      cfg.Exchange.QuoteAsset,
		FillLookupLimit: cfg.Exchange.FillLookupLimit,
	}, logger)

	if mode == "paper" {
		px := paper.New(paper.Config{
			InitialBalance: cfg.Paper.InitialBalance,
			Leverage:       cfg.Execution.DefaultLeverage,
		}, gw, logger)
		deps.Paper = px
		deps.Gateway = px
		deps.Stream = px
	} else {
		deps.Gateway = gw
		deps.Stream = gw
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		tg, err := notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return fail(fmt.Errorf("wire: telegram: %w", err))
		}
		senders = append(senders, tg)
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
