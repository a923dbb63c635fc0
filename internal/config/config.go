// Package config defines the top-level configuration for the NFT order
// indexer and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by NFTIDX_* environment variables.
type Config struct {
	Chain      ChainConfig      `toml:"chain"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Queues     QueuesConfig     `toml:"queues"`
	Reconciler ReconcilerConfig `toml:"reconciler"`
	Partial    PartialConfig    `toml:"partial"`
	Resolver   ResolverConfig   `toml:"resolver"`
	Sync       SyncConfig       `toml:"sync"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// ChainConfig holds the JSON-RPC node parameters.
type ChainConfig struct {
	RPCURL       string   `toml:"rpc_url"`
	ChainID      int64    `toml:"chain_id"`
	RPCTimeout   duration `toml:"rpc_timeout"`
	TraceTimeout duration `toml:"trace_timeout"`
	// RPCRateLimit caps node requests per second across all processes.
	RPCRateLimit int `toml:"rpc_rate_limit"`
	// Currencies restricts ERC20 event handling. Empty means every token.
	Currencies []string `toml:"currencies"`
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
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	DedupTTL   duration `toml:"dedup_ttl"`
}

// S3Config holds S3-compatible object storage parameters. An empty bucket
// disables the dead-letter and trace archives.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// QueueConfig is the worker policy of one job class.
type QueueConfig struct {
	Concurrency  int      `toml:"concurrency"`
	MaxAttempts  int      `toml:"max_attempts"`
	Backoff      string   `toml:"backoff"`
	BackoffDelay duration `toml:"backoff_delay"`
}

// QueuesConfig holds the policy of every job class.
type QueuesConfig struct {
	MakerUpdates QueueConfig `toml:"order_updates_by_maker"`
	OrderFixes   QueueConfig `toml:"order_fixes"`
	OrderUpdates QueueConfig `toml:"order_updates_by_id"`
	Partial      QueueConfig `toml:"partial_orders"`
}

// ReconcilerConfig holds the per-trigger source deny-lists.
type ReconcilerConfig struct {
	BuyBalanceDeny   []string `toml:"buy_balance_deny"`
	BuyApprovalDeny  []string `toml:"buy_approval_deny"`
	SellBalanceDeny  []string `toml:"sell_balance_deny"`
	SellApprovalDeny []string `toml:"sell_approval_deny"`
}

// PartialConfig holds the aggregator feed and the marketplace addresses the
// partial-order merger writes against.
type PartialConfig struct {
	Enabled         bool     `toml:"enabled"`
	FeedURL         string   `toml:"feed_url"`
	Collections     []string `toml:"collections"`
	SourceDomain    string   `toml:"source_domain"`
	Conduit         string   `toml:"conduit"`
	Relay           string   `toml:"relay"`
	ListingCurrency string   `toml:"listing_currency"`
	BidCurrency     string   `toml:"bid_currency"`
	FilterRegistry  string   `toml:"filter_registry"`
}

// ResolverConfig holds the payment processor deployment and the bounds of
// the trace-based order resolver.
type ResolverConfig struct {
	Exchange          string `toml:"exchange"`
	NonceSearchWindow int    `toml:"nonce_search_window"`
	ArchiveTraces     bool   `toml:"archive_traces"`
}

// SyncConfig holds the log syncer and maintenance cron parameters.
type SyncConfig struct {
	PollInterval  duration `toml:"poll_interval"`
	StartBlock    uint64   `toml:"start_block"`
	Confirmations uint64   `toml:"confirmations"`
	BatchSize     uint64   `toml:"batch_size"`
	ExpiryCron    string   `toml:"expiry_cron"`
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
	Enabled      bool     `toml:"enabled"`
	Port         int      `toml:"port"`
	CORSOrigins  []string `toml:"cors_origins"`
	APIKey       string   `toml:"api_key"`
	FixRateLimit int      `toml:"fix_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:       "http://localhost:8545",
			ChainID:      1,
			RPCTimeout:   duration{10 * time.Second},
			TraceTimeout: duration{30 * time.Second},
			RPCRateLimit: 25,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "nftindexer",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  20,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   50,
			MaxRetries: 3,
			DedupTTL:   duration{24 * time.Hour},
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Queues: QueuesConfig{
			MakerUpdates: QueueConfig{Concurrency: 30, MaxAttempts: 10, Backoff: "exponential", BackoffDelay: duration{10 * time.Second}},
			OrderFixes:   QueueConfig{Concurrency: 20, MaxAttempts: 5, Backoff: "exponential", BackoffDelay: duration{10 * time.Second}},
			OrderUpdates: QueueConfig{Concurrency: 20, MaxAttempts: 5, Backoff: "exponential", BackoffDelay: duration{5 * time.Second}},
			Partial:      QueueConfig{Concurrency: 10, MaxAttempts: 5, Backoff: "exponential", BackoffDelay: duration{5 * time.Second}},
		},
		Reconciler: ReconcilerConfig{
			BuyBalanceDeny:   []string{"opensea.io", "x2y2.io"},
			BuyApprovalDeny:  []string{"x2y2.io"},
			SellBalanceDeny:  []string{"blur.io", "x2y2.io", "opensea.io"},
			SellApprovalDeny: []string{"blur.io", "x2y2.io"},
		},
		Partial: PartialConfig{
			SourceDomain:    "blur.io",
			Conduit:         "0x00000000000111abe46ff893f3b2fdf1f759a8a8",
			ListingCurrency: "0x0000000000000000000000000000000000000000",
			BidCurrency:     "0x0000000000a39bb272e79075ade125fd351887ac",
		},
		Resolver: ResolverConfig{
			NonceSearchWindow: 16,
		},
		Sync: SyncConfig{
			PollInterval:  duration{12 * time.Second},
			Confirmations: 2,
			BatchSize:     500,
			ExpiryCron:    "* * * * *",
		},
		Server: ServerConfig{
			Enabled:      true,
			Port:         8000,
			FixRateLimit: 30,
		},
		Notify: NotifyConfig{
			Events: []string{"job_failed", "startup"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"worker": true,
	"sync":   true,
	"feed":   true,
	"server": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateQueue(name string, q QueueConfig, errs *[]string) {
	if q.Concurrency < 1 {
		*errs = append(*errs, fmt.Sprintf("queues.%s: concurrency must be >= 1", name))
	}
	if q.MaxAttempts < 1 {
		*errs = append(*errs, fmt.Sprintf("queues.%s: max_attempts must be >= 1", name))
	}
	if q.Backoff != "fixed" && q.Backoff != "exponential" {
		*errs = append(*errs, fmt.Sprintf("queues.%s: backoff must be fixed or exponential, got %q", name, q.Backoff))
	}
	if q.BackoffDelay.Duration < 0 {
		*errs = append(*errs, fmt.Sprintf("queues.%s: backoff_delay must not be negative", name))
	}
}

func validateAddress(field, v string, errs *[]string) {
	if v != "" && !common.IsHexAddress(v) {
		*errs = append(*errs, fmt.Sprintf("%s: %q is not a hex address", field, v))
	}
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	// Mode
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: worker, sync, feed, server, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	needsChain := mode == "worker" || mode == "sync" || mode == "full"
	if needsChain && c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url is required for mode "+c.Mode)
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.RPCRateLimit < 0 {
		errs = append(errs, "chain: rpc_rate_limit must be >= 0")
	}
	for _, cur := range c.Chain.Currencies {
		validateAddress("chain.currencies", cur, &errs)
	}

	// Postgres
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

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is optional; credentials come as a pair.
	if c.S3.Bucket != "" && (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		errs = append(errs, "s3: access_key and secret_key must be set together")
	}

	// Queues
	validateQueue("order_updates_by_maker", c.Queues.MakerUpdates, &errs)
	validateQueue("order_fixes", c.Queues.OrderFixes, &errs)
	validateQueue("order_updates_by_id", c.Queues.OrderUpdates, &errs)
	validateQueue("partial_orders", c.Queues.Partial, &errs)

	// Partial
	if c.Partial.Enabled && (mode == "feed" || mode == "full") && c.Partial.FeedURL == "" {
		errs = append(errs, "partial: feed_url is required when enabled")
	}
	if c.Partial.Enabled && c.Partial.SourceDomain == "" {
		errs = append(errs, "partial: source_domain must not be empty")
	}
	validateAddress("partial.conduit", c.Partial.Conduit, &errs)
	validateAddress("partial.relay", c.Partial.Relay, &errs)
	validateAddress("partial.listing_currency", c.Partial.ListingCurrency, &errs)
	validateAddress("partial.bid_currency", c.Partial.BidCurrency, &errs)
	validateAddress("partial.filter_registry", c.Partial.FilterRegistry, &errs)

	// Resolver
	validateAddress("resolver.exchange", c.Resolver.Exchange, &errs)
	if c.Resolver.NonceSearchWindow < 1 {
		errs = append(errs, "resolver: nonce_search_window must be >= 1")
	}

	// Sync
	if c.Sync.PollInterval.Duration <= 0 {
		errs = append(errs, "sync: poll_interval must be > 0")
	}
	if c.Sync.BatchSize < 1 {
		errs = append(errs, "sync: batch_size must be >= 1")
	}
	if c.Sync.ExpiryCron != "" && len(strings.Fields(c.Sync.ExpiryCron)) != 5 {
		errs = append(errs, fmt.Sprintf("sync: expiry_cron must have 5 fields, got %q", c.Sync.ExpiryCron))
	}

	// Server
	if c.Server.Enabled || mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.FixRateLimit < 0 {
		errs = append(errs, "server: fix_rate_limit must be >= 0")
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
