package reconcile

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

type memStore struct {
	rows      map[string]*domain.StatusCandidate
	conduits  map[string]string
	ft        *big.Int
	nft       *big.Int
	approvals map[string]*bool
	expiry    map[string]time.Time
	writes    int
}

func newMemStore(rows ...domain.StatusCandidate) *memStore {
	s := &memStore{
		rows:     map[string]*domain.StatusCandidate{},
		conduits: map[string]string{},
		expiry:   map[string]time.Time{},
	}
	for i := range rows {
		r := rows[i]
		s.rows[r.ID] = &r
	}
	return s
}

func (s *memStore) SetFTBalance(_ context.Context, _, _ string, amount *big.Int) error {
	s.ft = amount
	return nil
}

func (s *memStore) SetFTApproval(context.Context, string, string, string, *big.Int) error {
	return nil
}

func (s *memStore) SetNFTBalance(_ context.Context, _, _, _ string, amount *big.Int) error {
	s.nft = amount
	return nil
}

func (s *memStore) live(side domain.OrderSide, balance *big.Int) []domain.StatusCandidate {
	var out []domain.StatusCandidate
	for _, r := range s.rows {
		if r.Side != side {
			continue
		}
		if r.FillabilityStatus != domain.FillabilityFillable && r.FillabilityStatus != domain.FillabilityNoBalance {
			continue
		}
		c := *r
		c.Balance = balance
		if v, ok := s.approvals[r.ID]; ok {
			c.Approved = v
		}
		out = append(out, c)
	}
	return out
}

func (s *memStore) BuyBalanceCandidates(context.Context, string, string) ([]domain.StatusCandidate, error) {
	return s.live(domain.OrderSideBuy, s.ft), nil
}

func (s *memStore) HasBuyOrdersForConduit(context.Context, string, string, string) (bool, error) {
	return len(s.live(domain.OrderSideBuy, nil)) > 0, nil
}

func (s *memStore) BuyApprovalCandidates(context.Context, string, string, string) ([]domain.StatusCandidate, error) {
	return s.live(domain.OrderSideBuy, nil), nil
}

func (s *memStore) DistinctBuyConduits(context.Context, string, domain.OrderKind) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, c := range s.conduits {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) SellBalanceCandidates(context.Context, string, string, string) ([]domain.StatusCandidate, error) {
	return s.live(domain.OrderSideSell, s.nft), nil
}

func (s *memStore) SellApprovalCandidates(context.Context, string, string, string) ([]domain.StatusCandidate, error) {
	return s.live(domain.OrderSideSell, nil), nil
}

// ApplyStatusChanges mirrors the conditional batch update: only rows whose
// stored values differ are written.
func (s *memStore) ApplyStatusChanges(_ context.Context, changes []domain.StatusChange) ([]string, error) {
	var changed []string
	for _, ch := range changes {
		r, ok := s.rows[ch.ID]
		if !ok {
			continue
		}
		if r.FillabilityStatus == ch.FillabilityStatus && r.ApprovalStatus == ch.ApprovalStatus {
			continue
		}
		r.FillabilityStatus = ch.FillabilityStatus
		r.ApprovalStatus = ch.ApprovalStatus
		s.expiry[ch.ID] = ch.Expiration
		s.writes++
		changed = append(changed, ch.ID)
	}
	return changed, nil
}

type memQueue struct {
	seen map[string]bool
	jobs []domain.Job
}

func (q *memQueue) Enqueue(_ context.Context, jobs ...domain.Job) error {
	if q.seen == nil {
		q.seen = map[string]bool{}
	}
	for _, j := range jobs {
		key := j.Queue + "/" + j.ID
		if q.seen[key] {
			continue
		}
		q.seen[key] = true
		q.jobs = append(q.jobs, j)
	}
	return nil
}

func (q *memQueue) on(queue string) []domain.Job {
	var out []domain.Job
	for _, j := range q.jobs {
		if j.Queue == queue {
			out = append(out, j)
		}
	}
	return out
}

type chainState struct {
	ft        *big.Int
	allowance *big.Int
	nft       *big.Int
	approved  bool
}

func (c *chainState) ERC20Balance(context.Context, string, string) (*big.Int, error) {
	return c.ft, nil
}

func (c *chainState) ERC20Allowance(context.Context, string, string, string) (*big.Int, error) {
	return c.allowance, nil
}

func (c *chainState) NFTBalance(context.Context, string, string, string) (*big.Int, error) {
	return c.nft, nil
}

func (c *chainState) IsApprovedForAll(context.Context, string, string, string) (bool, error) {
	return c.approved, nil
}

type kinds struct{}

func (kinds) IsEscrow(k domain.OrderKind) bool { return k == domain.KindFoundation }
func (kinds) IsPool(k domain.OrderKind) bool   { return k == domain.KindSudoswap }

var (
	now     = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	validTo = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

func newReconciler(store *memStore, chain *chainState, queue *memQueue) *Reconciler {
	r := New(store, store, chain, queue, kinds{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return now }
	return r
}

func bidRow(id string) domain.StatusCandidate {
	to := validTo
	return domain.StatusCandidate{
		ID:                id,
		Kind:              domain.KindSeaport,
		Side:              domain.OrderSideBuy,
		SourceDomain:      "looksrare.org",
		FillabilityStatus: domain.FillabilityNoBalance,
		ApprovalStatus:    domain.ApprovalApproved,
		CurrencyPrice:     big.NewInt(100),
		QuantityRemaining: big.NewInt(2),
		ValidBetween:      domain.ValidBetween{To: &to},
	}
}

func listingRow(id string, kind domain.OrderKind, source string) domain.StatusCandidate {
	return domain.StatusCandidate{
		ID:                id,
		Kind:              kind,
		Side:              domain.OrderSideSell,
		SourceDomain:      source,
		FillabilityStatus: domain.FillabilityFillable,
		ApprovalStatus:    domain.ApprovalApproved,
		CurrencyPrice:     big.NewInt(100),
		QuantityRemaining: big.NewInt(1),
	}
}

func trigger(kind domain.MakerDataKind) domain.MakerTrigger {
	return domain.MakerTrigger{
		Context: "0xtx-" + string(kind),
		Maker:   "0xmaker",
		Trigger: domain.Trigger{Kind: domain.TriggerRevalidation, TxHash: "0xtx", TxTimestamp: now.Unix()},
		Data:    domain.MakerData{Kind: kind, Contract: "0xc", TokenID: "1", Operator: "0xop"},
	}
}

func TestBuyBalanceRestoredMakesBidFillable(t *testing.T) {
	store := newMemStore(bidRow("0xorder"))
	queue := &memQueue{}
	r := newReconciler(store, &chainState{ft: big.NewInt(200)}, queue)

	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerBuyBalance)))

	row := store.rows["0xorder"]
	assert.Equal(t, domain.FillabilityFillable, row.FillabilityStatus)
	assert.Equal(t, domain.ApprovalApproved, row.ApprovalStatus)
	assert.True(t, store.expiry["0xorder"].Equal(validTo))

	fixes := queue.on(domain.QueueOrderFixes)
	require.Len(t, fixes, 1)
	assert.Equal(t, "revalidation-0xtx-0xorder", fixes[0].ID)
	var fix domain.FixTrigger
	require.NoError(t, fixes[0].Decode(&fix))
	assert.Equal(t, domain.FixByID, fix.By)
	assert.Equal(t, "0xorder", fix.Data.ID)

	updates := queue.on(domain.QueueOrderUpdatesID)
	require.Len(t, updates, 1)
	assert.Equal(t, "0xtx-buy-balance-0xorder", updates[0].ID)
}

func TestBuyBalanceReplayIsIdempotent(t *testing.T) {
	store := newMemStore(bidRow("0xorder"))
	queue := &memQueue{}
	r := newReconciler(store, &chainState{ft: big.NewInt(200)}, queue)
	mt := trigger(domain.MakerBuyBalance)

	require.NoError(t, r.Reconcile(context.Background(), mt))
	require.NoError(t, r.Reconcile(context.Background(), mt))

	assert.Equal(t, 1, store.writes)
	assert.Len(t, queue.on(domain.QueueOrderUpdatesID), 1)
	assert.Len(t, queue.on(domain.QueueOrderFixes), 1)
}

func TestBuyBalanceShortfallParksOrCancels(t *testing.T) {
	parked := bidRow("0xparked")
	parked.FillabilityStatus = domain.FillabilityFillable
	cancelled := bidRow("0xcancelled")
	cancelled.FillabilityStatus = domain.FillabilityFillable
	cancelled.SourceDomain = "opensea.io"

	store := newMemStore(parked, cancelled)
	r := newReconciler(store, &chainState{ft: big.NewInt(199)}, &memQueue{})
	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerBuyBalance)))

	assert.Equal(t, domain.FillabilityNoBalance, store.rows["0xparked"].FillabilityStatus)
	assert.Equal(t, domain.FillabilityCancelled, store.rows["0xcancelled"].FillabilityStatus)
	assert.True(t, store.expiry["0xparked"].Equal(now))
}

func TestSellBalanceDenyListedSourceIsCancelled(t *testing.T) {
	store := newMemStore(listingRow("0xblur", domain.KindBlur, "blur.io"))
	r := newReconciler(store, &chainState{nft: big.NewInt(0)}, &memQueue{})

	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerSellBalance)))
	assert.Equal(t, domain.FillabilityCancelled, store.rows["0xblur"].FillabilityStatus)
}

func TestSellBalanceRoundTrip(t *testing.T) {
	store := newMemStore(
		listingRow("0xplain", domain.KindSeaport, "looksrare.org"),
		listingRow("0xpool", domain.KindSudoswap, "sudoswap.xyz"),
	)
	chain := &chainState{nft: big.NewInt(0)}
	r := newReconciler(store, chain, &memQueue{})
	ctx := context.Background()

	drop := trigger(domain.MakerSellBalance)
	require.NoError(t, r.Reconcile(ctx, drop))
	assert.Equal(t, domain.FillabilityNoBalance, store.rows["0xplain"].FillabilityStatus)
	assert.Equal(t, domain.FillabilityNoBalance, store.rows["0xpool"].FillabilityStatus)

	chain.nft = big.NewInt(1)
	restore := trigger(domain.MakerSellBalance)
	restore.Context = "0xtx2-sell-balance"
	restore.Trigger.TxHash = "0xtx2"
	require.NoError(t, r.Reconcile(ctx, restore))
	assert.Equal(t, domain.FillabilityFillable, store.rows["0xplain"].FillabilityStatus)
	assert.Equal(t, domain.FillabilityNoBalance, store.rows["0xpool"].FillabilityStatus)
}

func TestSellBalanceSkipsEscrowKinds(t *testing.T) {
	store := newMemStore(listingRow("0xescrow", domain.KindFoundation, "foundation.app"))
	queue := &memQueue{}
	r := newReconciler(store, &chainState{nft: big.NewInt(0)}, queue)

	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerSellBalance)))
	assert.Equal(t, domain.FillabilityFillable, store.rows["0xescrow"].FillabilityStatus)
	assert.Empty(t, queue.jobs)
}

func TestSellApprovalUsesLatestEventThenChain(t *testing.T) {
	store := newMemStore(
		listingRow("0xa", domain.KindSeaport, "looksrare.org"),
		listingRow("0xb", domain.KindSeaport, "x2y2.io"),
	)
	revoked := false
	store.approvals = map[string]*bool{"0xa": &revoked}
	r := newReconciler(store, &chainState{approved: false}, &memQueue{})

	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerSellApproval)))
	assert.Equal(t, domain.ApprovalNoApproval, store.rows["0xa"].ApprovalStatus)
	assert.Equal(t, domain.FillabilityFillable, store.rows["0xa"].FillabilityStatus)
	assert.Equal(t, domain.FillabilityCancelled, store.rows["0xb"].FillabilityStatus)
}

func TestBuyApprovalWithOrderKindFansOutPerConduit(t *testing.T) {
	store := newMemStore(bidRow("0x1"))
	store.conduits = map[string]string{"0x1": "0xconduit-a", "0x2": "0xconduit-b"}
	queue := &memQueue{}
	r := newReconciler(store, &chainState{}, queue)

	mt := trigger(domain.MakerBuyApproval)
	mt.Data.Operator = ""
	mt.Data.OrderKind = domain.KindPaymentProcessor
	require.NoError(t, r.Reconcile(context.Background(), mt))

	jobs := queue.on(domain.QueueMakerUpdates)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		var next domain.MakerTrigger
		require.NoError(t, j.Decode(&next))
		assert.Empty(t, next.Data.OrderKind)
		assert.True(t, strings.HasPrefix(j.ID, mt.Context+"-0xconduit-"))
		assert.Equal(t, j.ID, next.Context)
		assert.Equal(t, next.Context, mt.Context+"-"+next.Data.Operator)
	}
	assert.Equal(t, 0, store.writes)
}

func TestBuyApprovalAllowanceBelowTotal(t *testing.T) {
	row := bidRow("0xorder")
	row.FillabilityStatus = domain.FillabilityFillable
	store := newMemStore(row)
	r := newReconciler(store, &chainState{allowance: big.NewInt(150)}, &memQueue{})

	require.NoError(t, r.Reconcile(context.Background(), trigger(domain.MakerBuyApproval)))
	assert.Equal(t, domain.ApprovalNoApproval, store.rows["0xorder"].ApprovalStatus)
	assert.Equal(t, domain.FillabilityFillable, store.rows["0xorder"].FillabilityStatus)
}

func TestInvalidTriggerIsRejected(t *testing.T) {
	r := newReconciler(newMemStore(), &chainState{}, &memQueue{})
	mt := trigger(domain.MakerSellBalance)
	mt.Data.TokenID = ""
	assert.ErrorIs(t, r.Reconcile(context.Background(), mt), domain.ErrInvalidPayload)
}

func TestDecideFiltersUnchangedBeforeDenyList(t *testing.T) {
	p := Policy{Deny: DefaultDenyLists()}
	c := listingRow("0x", domain.KindSeaport, "blur.io")
	c.FillabilityStatus = domain.FillabilityNoBalance

	_, ok := p.Decide(domain.MakerSellBalance, c, domain.FillabilityNoBalance, domain.ApprovalApproved, now)
	assert.False(t, ok)
}

func TestSellBalanceStatusUsesMinOfBalanceAndQuantity(t *testing.T) {
	c := listingRow("0x", domain.KindSeaport, "")
	c.QuantityRemaining = big.NewInt(5)
	assert.Equal(t, domain.FillabilityFillable, SellBalanceStatus(c, big.NewInt(2)))
	assert.Equal(t, domain.FillabilityNoBalance, SellBalanceStatus(c, big.NewInt(0)))

	c.QuantityRemaining = big.NewInt(0)
	assert.Equal(t, domain.FillabilityNoBalance, SellBalanceStatus(c, big.NewInt(3)))
}
