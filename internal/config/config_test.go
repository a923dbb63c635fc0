package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.Queues.MakerUpdates.Concurrency)
	assert.Equal(t, 10, cfg.Queues.MakerUpdates.MaxAttempts)
	assert.Equal(t, 16, cfg.Resolver.NonceSearchWindow)
	assert.Equal(t, []string{"blur.io", "x2y2.io"}, cfg.Reconciler.SellApprovalDeny)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode = "worker"

[chain]
rpc_url = "http://node:8545"
trace_timeout = "45s"

[queues.order_fixes]
concurrency = 4
backoff = "fixed"
backoff_delay = "2s"

[reconciler]
buy_balance_deny = ["opensea.io"]
`), 0o600))

	t.Setenv("NFTIDX_REDIS_ADDR", "redis:6380")
	t.Setenv("NFTIDX_QUEUES_ORDER_FIXES_MAX_ATTEMPTS", "9")
	t.Setenv("NFTIDX_SYNC_START_BLOCK", "17000000")
	t.Setenv("NFTIDX_PARTIAL_COLLECTIONS", "0xaa, 0xbb,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "worker", cfg.Mode)
	assert.Equal(t, "http://node:8545", cfg.Chain.RPCURL)
	assert.Equal(t, 45*time.Second, cfg.Chain.TraceTimeout.Duration)
	assert.Equal(t, 4, cfg.Queues.OrderFixes.Concurrency)
	assert.Equal(t, 9, cfg.Queues.OrderFixes.MaxAttempts)
	assert.Equal(t, "fixed", cfg.Queues.OrderFixes.Backoff)
	assert.Equal(t, 2*time.Second, cfg.Queues.OrderFixes.BackoffDelay.Duration)
	// Untouched classes keep their defaults.
	assert.Equal(t, 30, cfg.Queues.MakerUpdates.Concurrency)
	assert.Equal(t, []string{"opensea.io"}, cfg.Reconciler.BuyBalanceDeny)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, uint64(17000000), cfg.Sync.StartBlock)
	assert.Equal(t, []string{"0xaa", "0xbb"}, cfg.Partial.Collections)
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Queues.Partial.Backoff = "linear"
	cfg.Resolver.Exchange = "not-an-address"
	cfg.Sync.ExpiryCron = "* *"
	cfg.Notify.TelegramToken = "token"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, "queues.partial_orders: backoff")
	assert.Contains(t, msg, "resolver.exchange")
	assert.Contains(t, msg, "expiry_cron")
	assert.Contains(t, msg, "telegram_chat_id")
}

func TestFeedRequiresURL(t *testing.T) {
	cfg := Defaults()
	cfg.Partial.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Mode = "worker"
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pw"
	cfg.S3.SecretKey = "secret"
	cfg.Server.APIKey = "key"
	cfg.Notify.Events = []string{"job_failed"}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.S3.SecretKey)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "***", out.Chain.RPCURL)
	assert.Empty(t, out.S3.AccessKey)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "job_failed", cfg.Notify.Events[0])
	assert.Equal(t, "pw", cfg.Postgres.Password)
}
