package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/nftindexer/internal/blob/s3"
	"github.com/alanyoungcy/nftindexer/internal/cache/redis"
	"github.com/alanyoungcy/nftindexer/internal/chain"
	"github.com/alanyoungcy/nftindexer/internal/config"
	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/jobs"
	"github.com/alanyoungcy/nftindexer/internal/notify"
	"github.com/alanyoungcy/nftindexer/internal/protocol"
	"github.com/alanyoungcy/nftindexer/internal/protocol/paymentprocessor"
	"github.com/alanyoungcy/nftindexer/internal/service"
	"github.com/alanyoungcy/nftindexer/internal/store/postgres"
	"github.com/alanyoungcy/nftindexer/internal/tracer"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Fields a mode does not need stay nil.
type Dependencies struct {
	// Stores
	Postgres *postgres.Client
	Orders   *postgres.OrderStore
	Balances *postgres.BalanceStore
	Fills    *postgres.FillStore
	Sync     *postgres.SyncStore
	Audit    *postgres.AuditStore
	Sources  *service.SourceService

	// Caches and queues
	Redis       *redis.Client
	Queue       *redis.JobQueue
	RateLimiter *redis.RateLimiter
	LockManager *redis.LockManager
	SignalBus   *redis.SignalBus

	// Chain
	Chain    *chain.Client
	Traces   domain.TraceSource
	Exchange paymentprocessor.Exchange
	Registry *protocol.Registry

	// Blob storage; nil when no bucket is configured.
	S3      *s3blob.Client
	Archive *s3blob.ArchiveImpl

	// Observability
	Metrics    *prometheus.Registry
	JobMetrics *jobs.Metrics
	Notifier   *notify.Notifier
}

// DeadLetters returns the archive as an interface, nil when unset.
func (d *Dependencies) DeadLetters() domain.DeadLetterArchive {
	if d.Archive == nil {
		return nil
	}
	return d.Archive
}

// needsPostgres returns true for modes that require a database connection.
func needsPostgres(mode string) bool {
	return mode != "feed"
}

// needsChain returns true for modes that talk to the node.
func needsChain(mode string) bool {
	switch mode {
	case "worker", "sync", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) {
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

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.Postgres = pgClient
		deps.Orders = postgres.NewOrderStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Fills = postgres.NewFillStore(pool)
		deps.Sync = postgres.NewSyncStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
	}

	// --- Redis ---
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

	deps.Redis = redisClient
	deps.Queue = redis.NewJobQueue(redisClient, redis.JobQueueConfig{DedupTTL: cfg.Redis.DedupTTL.Duration})
	deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Chain.RPCRateLimit, time.Second)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	if deps.Postgres != nil {
		deps.Sources = service.NewSourceService(
			postgres.NewSourceStore(deps.Postgres.Pool()),
			redis.NewSourceCache(redisClient),
			logger.With(slog.String("component", "sources")),
		)
	}

	// --- S3 blob storage (optional) ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.S3 = s3Client
		var audit domain.AuditStore
		if deps.Audit != nil {
			audit = deps.Audit
		}
		deps.Archive = s3blob.NewArchiver(s3Client, audit)
	}

	// --- Chain ---
	deps.Exchange = paymentprocessor.NewExchange(cfg.Chain.ChainID, cfg.Resolver.Exchange)
	if needsChain(cfg.Mode) {
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Options{
			Limiter:      deps.RateLimiter,
			CallTimeout:  cfg.Chain.RPCTimeout.Duration,
			TraceTimeout: cfg.Chain.TraceTimeout.Duration,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client

		deps.Traces = client
		if cfg.Resolver.ArchiveTraces && deps.Archive != nil && deps.Sync != nil {
			deps.Traces = tracer.NewArchivedTraces(client, deps.Sync, deps.Archive, logger)
		}

		var pp protocol.Checker
		if cfg.Resolver.Exchange != "" {
			pp = paymentprocessor.NewChecker(deps.Exchange, deps.Balances, deps.Fills, client)
		}
		ledger := protocol.Ledger{Fills: deps.Fills, Nonces: deps.Balances}
		deps.Registry = protocol.DefaultRegistry(client, ledger, pp)
	}

	// --- Metrics ---
	deps.Metrics = prometheus.NewRegistry()
	deps.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.JobMetrics = jobs.NewMetrics(deps.Metrics)

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
