package orderfix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
	"github.com/alanyoungcy/nftindexer/internal/protocol"
)

type memOrders struct {
	orders map[string]domain.Order
	writes int
}

func (m *memOrders) GetPotentiallyValid(_ context.Context, id string) (domain.Order, error) {
	o, ok := m.orders[id]
	if !ok || !o.PotentiallyValid() {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) ListPotentiallyValidIDs(_ context.Context, by domain.FixBy, key, afterID string, limit int) ([]string, error) {
	var ids []string
	for id, o := range m.orders {
		if by == domain.FixByMaker && o.Maker == key && o.PotentiallyValid() && id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, fill domain.FillabilityStatus, approval domain.ApprovalStatus, at time.Time) (time.Time, bool, error) {
	o := m.orders[id]
	if o.FillabilityStatus == fill && o.ApprovalStatus == approval {
		return time.Time{}, false, nil
	}
	o.FillabilityStatus, o.ApprovalStatus = fill, approval
	o.Expiration = domain.ExpirationFor(fill, approval, o.ValidBetween, at)
	o.UpdatedAt = at
	m.orders[id] = o
	m.writes++
	return at, true, nil
}

type memQueue struct{ jobs []domain.Job }

func (q *memQueue) Enqueue(_ context.Context, jobs ...domain.Job) error {
	q.jobs = append(q.jobs, jobs...)
	return nil
}

type memLocks struct{ held map[string]bool }

func (l *memLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

func (l *memLocks) TryThrottle(_ context.Context, key string, _ time.Duration) (bool, error) {
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

type memBus struct{ streams map[string][][]byte }

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	fixer  *Fixer
	orders *memOrders
	queue  *memQueue
	bus    *memBus
}

func newHarness(checkErr error, orders ...domain.Order) *harness {
	h := &harness{
		orders: &memOrders{orders: map[string]domain.Order{}},
		queue:  &memQueue{},
		bus:    &memBus{streams: map[string][][]byte{}},
	}
	for _, o := range orders {
		h.orders.orders[o.ID] = o
	}
	check := protocol.CheckerFunc(func(context.Context, domain.Order) error { return checkErr })
	registry := protocol.NewRegistry(
		protocol.Entry{Kind: domain.KindSeaport, Checker: check},
		protocol.Entry{Kind: domain.KindSudoswap, Custody: protocol.CustodyPool, Checker: check},
	)
	h.fixer = New(h.orders, registry, &memLocks{held: map[string]bool{}}, h.bus, h.queue, Config{PageSize: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.fixer.now = func() time.Time { return now }
	return h
}

func order(id string) domain.Order {
	return domain.Order{
		ID:                id,
		Kind:              domain.KindSeaport,
		Side:              domain.OrderSideSell,
		Maker:             "0xmaker",
		Contract:          "0xc",
		TokenSetID:        domain.TokenSetForToken("0xc", "1"),
		QuantityRemaining: big.NewInt(1),
		FillabilityStatus: domain.FillabilityFillable,
		ApprovalStatus:    domain.ApprovalApproved,
	}
}

func byID(id string) domain.FixTrigger {
	return domain.FixTrigger{By: domain.FixByID, Data: domain.FixData{ID: id}}
}

func TestFixMapsInvalidationReasons(t *testing.T) {
	cases := []struct {
		reason   domain.InvalidationReason
		fill     domain.FillabilityStatus
		approval domain.ApprovalStatus
	}{
		{domain.ReasonCancelled, domain.FillabilityCancelled, domain.ApprovalApproved},
		{domain.ReasonFilled, domain.FillabilityFilled, domain.ApprovalApproved},
		{domain.ReasonNoBalance, domain.FillabilityNoBalance, domain.ApprovalApproved},
		{domain.ReasonNoApproval, domain.FillabilityFillable, domain.ApprovalNoApproval},
		{domain.ReasonNoBalanceNA, domain.FillabilityNoBalance, domain.ApprovalNoApproval},
	}
	for _, tc := range cases {
		t.Run(string(tc.reason), func(t *testing.T) {
			h := newHarness(domain.Invalid(tc.reason), order("0xa"))
			require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))

			got := h.orders.orders["0xa"]
			assert.Equal(t, tc.fill, got.FillabilityStatus)
			assert.Equal(t, tc.approval, got.ApprovalStatus)
			assert.True(t, got.Expiration.Equal(now))

			require.Len(t, h.queue.jobs, 1)
			assert.Equal(t, domain.QueueOrderUpdatesID, h.queue.jobs[0].Queue)
			assert.Equal(t, "revalidation-0xa-"+strconv.FormatInt(now.UnixMicro(), 10), h.queue.jobs[0].ID)
		})
	}
}

func TestFixValidOrderReactivates(t *testing.T) {
	o := order("0xa")
	o.FillabilityStatus = domain.FillabilityNoBalance
	h := newHarness(nil, o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	got := h.orders.orders["0xa"]
	assert.Equal(t, domain.FillabilityFillable, got.FillabilityStatus)
	assert.Equal(t, domain.Infinity, got.Expiration)
}

func TestFixUnchangedWritesNothing(t *testing.T) {
	h := newHarness(nil, order("0xa"))
	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Zero(t, h.orders.writes)
	assert.Empty(t, h.queue.jobs)
}

func TestFixUnknownErrorDoesNotWrite(t *testing.T) {
	h := newHarness(errors.New("order not found on api"), order("0xa"))
	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Zero(t, h.orders.writes)
}

func TestFixTimeoutIsRetried(t *testing.T) {
	h := newHarness(timeoutErr{}, order("0xa"))
	err := h.fixer.Fix(context.Background(), byID("0xa"))
	require.Error(t, err)
	assert.Zero(t, h.orders.writes)
}

func TestFixSkipsTerminalAndMissingOrders(t *testing.T) {
	o := order("0xa")
	o.FillabilityStatus = domain.FillabilityCancelled
	h := newHarness(domain.Invalid(domain.ReasonNoBalance), o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xmissing")))
	assert.Zero(t, h.orders.writes)
}

func TestFixZeroQuantityMarksFilled(t *testing.T) {
	o := order("0xa")
	o.QuantityRemaining = big.NewInt(0)
	h := newHarness(nil, o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Equal(t, domain.FillabilityFilled, h.orders.orders["0xa"].FillabilityStatus)
}

func TestFixUnknownKindIsIgnored(t *testing.T) {
	o := order("0xa")
	o.Kind = domain.KindRarible
	h := newHarness(domain.Invalid(domain.ReasonCancelled), o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Zero(t, h.orders.writes)
}

func TestFixPoolOrderThrottlesResync(t *testing.T) {
	raw, err := domain.NewRawData(domain.SchemaPool, 1, domain.PoolData{Pool: "0xpool"})
	require.NoError(t, err)
	a, b := order("0xa"), order("0xb")
	a.Kind, b.Kind = domain.KindSudoswap, domain.KindSudoswap
	a.RawData, b.RawData = raw, raw
	h := newHarness(nil, a, b)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xb")))

	msgs := h.bus.streams[PoolResyncStream]
	require.Len(t, msgs, 1)
	var req PoolResync
	require.NoError(t, json.Unmarshal(msgs[0], &req))
	assert.Equal(t, "0xpool", req.Pool)
	assert.Equal(t, "0xa", req.OrderID)
}

func TestFixPoolOrderIsNotReactivated(t *testing.T) {
	raw, err := domain.NewRawData(domain.SchemaPool, 1, domain.PoolData{Pool: "0xpool"})
	require.NoError(t, err)
	o := order("0xa")
	o.Kind = domain.KindSudoswap
	o.RawData = raw
	o.FillabilityStatus = domain.FillabilityNoBalance
	h := newHarness(nil, o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Equal(t, domain.FillabilityNoBalance, h.orders.orders["0xa"].FillabilityStatus)
	assert.Zero(t, h.orders.writes)
	assert.Empty(t, h.queue.jobs)
	assert.Len(t, h.bus.streams[PoolResyncStream], 1)
}

func TestFixPoolOrderStillLosesBalance(t *testing.T) {
	raw, err := domain.NewRawData(domain.SchemaPool, 1, domain.PoolData{Pool: "0xpool"})
	require.NoError(t, err)
	o := order("0xa")
	o.Kind = domain.KindSudoswap
	o.RawData = raw
	h := newHarness(domain.Invalid(domain.ReasonNoBalance), o)

	require.NoError(t, h.fixer.Fix(context.Background(), byID("0xa")))
	assert.Equal(t, domain.FillabilityNoBalance, h.orders.orders["0xa"].FillabilityStatus)
	assert.Equal(t, 1, h.orders.writes)
}

func TestFixByMakerFansOutPages(t *testing.T) {
	cancelled := order("0xd")
	cancelled.FillabilityStatus = domain.FillabilityCancelled
	h := newHarness(nil, order("0xa"), order("0xb"), order("0xc"), cancelled)

	ft := domain.FixTrigger{Context: "admin", By: domain.FixByMaker, Data: domain.FixData{Maker: "0xmaker"}}
	require.NoError(t, h.fixer.Fix(context.Background(), ft))

	var ids []string
	for _, j := range h.queue.jobs {
		assert.Equal(t, domain.QueueOrderFixes, j.Queue)
		var child domain.FixTrigger
		require.NoError(t, j.Decode(&child))
		assert.Equal(t, domain.FixByID, child.By)
		ids = append(ids, child.Data.ID)
	}
	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, ids)
	assert.Equal(t, "admin-0xa", h.queue.jobs[0].ID)
	assert.Zero(t, h.orders.writes)
}

func TestFixRejectsInvalidTrigger(t *testing.T) {
	h := newHarness(nil)
	err := h.fixer.Fix(context.Background(), domain.FixTrigger{By: domain.FixByToken})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}
