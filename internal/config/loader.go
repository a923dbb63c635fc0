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
// built-in defaults, applies NFTIDX_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned
// Config has NOT been validated; the caller should invoke Config.Validate()
// after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known NFTIDX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "NFTIDX_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "NFTIDX_CHAIN_CHAIN_ID")
	setDuration(&cfg.Chain.RPCTimeout, "NFTIDX_CHAIN_RPC_TIMEOUT")
	setDuration(&cfg.Chain.TraceTimeout, "NFTIDX_CHAIN_TRACE_TIMEOUT")
	setInt(&cfg.Chain.RPCRateLimit, "NFTIDX_CHAIN_RPC_RATE_LIMIT")
	setStringSlice(&cfg.Chain.Currencies, "NFTIDX_CHAIN_CURRENCIES")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "NFTIDX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "NFTIDX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "NFTIDX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "NFTIDX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "NFTIDX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "NFTIDX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "NFTIDX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "NFTIDX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "NFTIDX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "NFTIDX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "NFTIDX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "NFTIDX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "NFTIDX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "NFTIDX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "NFTIDX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "NFTIDX_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.DedupTTL, "NFTIDX_REDIS_DEDUP_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "NFTIDX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "NFTIDX_S3_REGION")
	setStr(&cfg.S3.Bucket, "NFTIDX_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "NFTIDX_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "NFTIDX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "NFTIDX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "NFTIDX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "NFTIDX_S3_FORCE_PATH_STYLE")

	// ── Queues ──
	setQueue(&cfg.Queues.MakerUpdates, "NFTIDX_QUEUES_ORDER_UPDATES_BY_MAKER")
	setQueue(&cfg.Queues.OrderFixes, "NFTIDX_QUEUES_ORDER_FIXES")
	setQueue(&cfg.Queues.OrderUpdates, "NFTIDX_QUEUES_ORDER_UPDATES_BY_ID")
	setQueue(&cfg.Queues.Partial, "NFTIDX_QUEUES_PARTIAL_ORDERS")

	// ── Reconciler ──
	setStringSlice(&cfg.Reconciler.BuyBalanceDeny, "NFTIDX_RECONCILER_BUY_BALANCE_DENY")
	setStringSlice(&cfg.Reconciler.BuyApprovalDeny, "NFTIDX_RECONCILER_BUY_APPROVAL_DENY")
	setStringSlice(&cfg.Reconciler.SellBalanceDeny, "NFTIDX_RECONCILER_SELL_BALANCE_DENY")
	setStringSlice(&cfg.Reconciler.SellApprovalDeny, "NFTIDX_RECONCILER_SELL_APPROVAL_DENY")

	// ── Partial ──
	setBool(&cfg.Partial.Enabled, "NFTIDX_PARTIAL_ENABLED")
	setStr(&cfg.Partial.FeedURL, "NFTIDX_PARTIAL_FEED_URL")
	setStringSlice(&cfg.Partial.Collections, "NFTIDX_PARTIAL_COLLECTIONS")
	setStr(&cfg.Partial.SourceDomain, "NFTIDX_PARTIAL_SOURCE_DOMAIN")
	setStr(&cfg.Partial.Conduit, "NFTIDX_PARTIAL_CONDUIT")
	setStr(&cfg.Partial.Relay, "NFTIDX_PARTIAL_RELAY")
	setStr(&cfg.Partial.ListingCurrency, "NFTIDX_PARTIAL_LISTING_CURRENCY")
	setStr(&cfg.Partial.BidCurrency, "NFTIDX_PARTIAL_BID_CURRENCY")
	setStr(&cfg.Partial.FilterRegistry, "NFTIDX_PARTIAL_FILTER_REGISTRY")

	// ── Resolver ──
	setStr(&cfg.Resolver.Exchange, "NFTIDX_RESOLVER_EXCHANGE")
	setInt(&cfg.Resolver.NonceSearchWindow, "NFTIDX_RESOLVER_NONCE_SEARCH_WINDOW")
	setBool(&cfg.Resolver.ArchiveTraces, "NFTIDX_RESOLVER_ARCHIVE_TRACES")

	// ── Sync ──
	setDuration(&cfg.Sync.PollInterval, "NFTIDX_SYNC_POLL_INTERVAL")
	setUint64(&cfg.Sync.StartBlock, "NFTIDX_SYNC_START_BLOCK")
	setUint64(&cfg.Sync.Confirmations, "NFTIDX_SYNC_CONFIRMATIONS")
	setUint64(&cfg.Sync.BatchSize, "NFTIDX_SYNC_BATCH_SIZE")
	setStr(&cfg.Sync.ExpiryCron, "NFTIDX_SYNC_EXPIRY_CRON")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "NFTIDX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "NFTIDX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "NFTIDX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "NFTIDX_SERVER_API_KEY")
	setInt(&cfg.Server.FixRateLimit, "NFTIDX_SERVER_FIX_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NFTIDX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NFTIDX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NFTIDX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NFTIDX_NOTIFY_EVENTS")

	// ── Metrics ──
	setBool(&cfg.Metrics.Enabled, "NFTIDX_METRICS_ENABLED")

	// ── Top-level ──
	setStr(&cfg.Mode, "NFTIDX_MODE")
	setStr(&cfg.LogLevel, "NFTIDX_LOG_LEVEL")
}

func setQueue(q *QueueConfig, prefix string) {
	setInt(&q.Concurrency, prefix+"_CONCURRENCY")
	setInt(&q.MaxAttempts, prefix+"_MAX_ATTEMPTS")
	setStr(&q.Backoff, prefix+"_BACKOFF")
	setDuration(&q.BackoffDelay, prefix+"_BACKOFF_DELAY")
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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
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
