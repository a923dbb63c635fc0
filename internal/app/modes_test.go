package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/config"
	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/jobs"
	"github.com/alanyoungcy/nftindexer/internal/reconcile"
)

func TestJobClassFromConfig(t *testing.T) {
	cfg := config.Defaults()
	h := jobs.HandlerFunc(func(context.Context, domain.Job) error { return nil })

	class, err := jobClass(domain.QueueMakerUpdates, cfg.Queues.MakerUpdates, h)
	require.NoError(t, err)
	assert.Equal(t, domain.QueueMakerUpdates, class.Queue)
	assert.Equal(t, 30, class.Concurrency)
	assert.Equal(t, 10, class.MaxAttempts)
	assert.Equal(t, jobs.BackoffExponential, class.Backoff.Kind)
	assert.Equal(t, 10*time.Second, class.Backoff.Delay)

	bad := cfg.Queues.OrderFixes
	bad.Backoff = "linear"
	_, err = jobClass(domain.QueueOrderFixes, bad, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.QueueOrderFixes)
}

func TestDenyListsFromConfig(t *testing.T) {
	cfg := config.Defaults()
	assert.Equal(t, reconcile.DefaultDenyLists(), denyLists(cfg.Reconciler))

	cfg.Reconciler.SellBalanceDeny = []string{"example.io"}
	deny := denyLists(cfg.Reconciler)
	assert.True(t, deny.Denies(domain.MakerSellBalance, "example.io"))
	assert.False(t, deny.Denies(domain.MakerSellBalance, "blur.io"))
}

func TestModeNeeds(t *testing.T) {
	assert.False(t, needsPostgres("feed"))
	assert.True(t, needsPostgres("server"))
	assert.True(t, needsChain("sync"))
	assert.False(t, needsChain("server"))
	assert.Len(t, allQueues(), 4)
}
