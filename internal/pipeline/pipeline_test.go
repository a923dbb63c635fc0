package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	ranges  [][2]uint64
	headers int
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) { return c.head, nil }

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.ranges = append(c.ranges, [2]uint64{from, to})
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	c.mu.Lock()
	c.headers++
	c.mu.Unlock()
	return &types.Header{Number: n, Time: 1000 + n.Uint64()}, nil
}

type fakeProcessor struct {
	batches [][]types.Log
	times   map[uint64]int64
	err     error
}

func (p *fakeProcessor) ProcessLogs(_ context.Context, logs []types.Log, times map[uint64]int64) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, logs)
	if p.times == nil {
		p.times = make(map[uint64]int64)
	}
	for k, v := range times {
		p.times[k] = v
	}
	return nil
}

func (p *fakeProcessor) Topics() []common.Hash { return []common.Hash{{1}} }

type memCursors map[string]uint64

func (m memCursors) GetCursor(_ context.Context, name string) (domain.SyncCursor, error) {
	b, ok := m[name]
	if !ok {
		return domain.SyncCursor{}, domain.ErrNotFound
	}
	return domain.SyncCursor{Name: name, Block: b}, nil
}

func (m memCursors) SetCursor(_ context.Context, name string, block uint64) error {
	m[name] = block
	return nil
}

func TestSyncerWalksConfirmedRanges(t *testing.T) {
	chain := &fakeChain{head: 125, logs: []types.Log{
		{BlockNumber: 100}, {BlockNumber: 100, Index: 1}, {BlockNumber: 107}, {BlockNumber: 121},
	}}
	proc := &fakeProcessor{}
	cursors := memCursors{}
	s := NewLogSyncer(chain, proc, cursors, SyncerConfig{StartBlock: 100, Confirmations: 5, BatchSize: 10}, discard())

	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][2]uint64{{100, 109}, {110, 119}, {120, 120}}, chain.ranges)
	assert.Equal(t, uint64(120), cursors["events"])
	assert.Len(t, proc.batches, 1)
	assert.Equal(t, int64(1100), proc.times[100])
	assert.Equal(t, 2, chain.headers)

	// Nothing new until the head moves.
	n, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	chain.head = 130
	n, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(125), cursors["events"])
}

func TestSyncerKeepsCursorOnProcessorError(t *testing.T) {
	chain := &fakeChain{head: 20, logs: []types.Log{{BlockNumber: 3}}}
	proc := &fakeProcessor{err: errors.New("db down")}
	cursors := memCursors{"events": 1}
	s := NewLogSyncer(chain, proc, cursors, SyncerConfig{BatchSize: 100}, discard())

	_, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(1), cursors["events"])
	assert.Equal(t, [][2]uint64{{2, 20}}, chain.ranges)
}

func TestSyncerWaitsForConfirmations(t *testing.T) {
	chain := &fakeChain{head: 3}
	s := NewLogSyncer(chain, &fakeProcessor{}, memCursors{}, SyncerConfig{Confirmations: 10}, discard())
	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, chain.ranges)
}

type memExpiry struct {
	ids   []string
	calls int
}

func (m *memExpiry) ExpireOrders(context.Context, time.Time) ([]string, error) {
	m.calls++
	ids := m.ids
	m.ids = nil
	return ids, nil
}

type throttle struct{ held map[string]bool }

func (t *throttle) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func (t *throttle) TryThrottle(_ context.Context, key string, _ time.Duration) (bool, error) {
	if t.held[key] {
		return false, nil
	}
	t.held[key] = true
	return true, nil
}

type memQueue struct{ jobs []domain.Job }

func (q *memQueue) Enqueue(_ context.Context, jobs ...domain.Job) error {
	q.jobs = append(q.jobs, jobs...)
	return nil
}

func TestExpirySweepEmitsUpdatesOncePerLockPeriod(t *testing.T) {
	store := &memExpiry{ids: []string{"0x01", "0x02"}}
	locks := &throttle{held: map[string]bool{}}
	queue := &memQueue{}
	s := NewExpirySweeper(store, locks, queue, discard())
	s.now = func() time.Time { return time.Unix(1700000000, 0).UTC() }

	n, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, queue.jobs, 2)
	assert.Equal(t, domain.QueueOrderUpdatesID, queue.jobs[0].Queue)
	assert.Equal(t, "expiry-1700000000-0x01", queue.jobs[0].ID)

	var u domain.OrderUpdate
	require.NoError(t, queue.jobs[1].Decode(&u))
	assert.Equal(t, domain.TriggerExpiry, u.Trigger.Kind)

	n, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.calls)
}

func TestNextCronTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 7, 30, 0, time.UTC)

	next, err := nextCronTime("*/1 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 8, 0, 0, time.UTC), next)

	next, err = nextCronTime("*/15 * * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC), next)

	next, err = nextCronTime("0 3 * * *", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = nextCronTime("*/0 * * * *", base)
	assert.Error(t, err)
	_, err = nextCronTime("* * *", base)
	assert.Error(t, err)
}
