package partial

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10000)

// MergeBid applies one bid-pool update. Each collection has exactly one
// pool order whose price points are the merged feed state.
func (m *Merger) MergeBid(ctx context.Context, b domain.PartialBid) (domain.PartialResult, error) {
	collection := strings.ToLower(b.Collection)
	if collection == "" {
		return domain.PartialResult{}, fmt.Errorf("%w: bid without collection", domain.ErrInvalidPayload)
	}
	id := orderID(m.cfg.SourceDomain, collection)

	unlock, err := m.locks.Acquire(ctx, "partial-bid:"+id, lockTTL)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: lock bid %s: %w", collection, err)
	}
	defer unlock()

	existing, found, err := m.loadBidPool(ctx, id)
	if err != nil {
		return domain.PartialResult{}, err
	}
	if found && existing.order.FillabilityStatus.Terminal() {
		return domain.PartialResult{ID: id, Status: domain.PartialTerminal}, nil
	}

	var points []domain.PricePoint
	if b.FullUpdate {
		points = NormalizePoints(b.PricePoints)
		if found && samePoints(points, existing.data.PricePoints) {
			return domain.PartialResult{ID: id, Status: domain.PartialUnchanged}, nil
		}
	} else {
		points = MergePoints(existing.data.PricePoints, b.PricePoints)
	}

	blocked, err := m.operatorBlocked(ctx, collection)
	if err != nil {
		return domain.PartialResult{}, err
	}

	active := found && existing.order.FillabilityStatus == domain.FillabilityFillable
	if blocked || len(points) == 0 {
		status := domain.PartialNoPrice
		if blocked {
			status = domain.PartialFiltered
		}
		if !active {
			return domain.PartialResult{ID: id, Status: status}, nil
		}
		o := existing.order
		if err := m.deactivateBidPool(&o, collection); err != nil {
			return domain.PartialResult{}, err
		}
		written, err := m.orders.UpsertBidPool(ctx, o)
		if err != nil {
			return domain.PartialResult{}, fmt.Errorf("partial: deactivate bid pool %s: %w", id, err)
		}
		if written {
			if err := m.notify(ctx, domain.TriggerReprice, "partial-bid-"+strconv.FormatInt(o.Expiration.UnixMicro(), 10), id); err != nil {
				return domain.PartialResult{}, err
			}
		}
		return domain.PartialResult{ID: id, Status: status}, nil
	}

	src, err := m.sources.Resolve(ctx, m.cfg.SourceDomain)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: source %s: %w", m.cfg.SourceDomain, err)
	}
	royaltyBps, err := m.orders.RoyaltyBps(ctx, collection)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: royalty %s: %w", collection, err)
	}

	o, err := m.bidPoolOrder(id, collection, points, royaltyBps, src.ID)
	if err != nil {
		return domain.PartialResult{}, err
	}
	if found {
		o.ValidBetween.From = existing.order.ValidBetween.From
	}
	written, err := m.orders.UpsertBidPool(ctx, o)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: upsert bid pool %s: %w", id, err)
	}
	if !written {
		return domain.PartialResult{ID: id, Status: domain.PartialUnchanged}, nil
	}

	kind, prefix := domain.TriggerReprice, "partial-bid-"+strconv.FormatInt(m.now().UnixMicro(), 10)
	if !found {
		kind, prefix = domain.TriggerNewOrder, "new-order"
	}
	if err := m.notify(ctx, kind, prefix, id); err != nil {
		return domain.PartialResult{}, err
	}
	return domain.PartialResult{ID: id, Status: domain.PartialSuccess}, nil
}

type bidPool struct {
	order domain.Order
	data  domain.PartialBidData
}

func (m *Merger) loadBidPool(ctx context.Context, id string) (bidPool, bool, error) {
	o, err := m.orders.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return bidPool{}, false, nil
	}
	if err != nil {
		return bidPool{}, false, fmt.Errorf("partial: load bid pool %s: %w", id, err)
	}
	var data domain.PartialBidData
	if err := o.RawData.Decode(domain.SchemaPartialBid, dataVersion, &data); err != nil {
		return bidPool{}, false, fmt.Errorf("partial: bid pool %s: %w", id, err)
	}
	return bidPool{order: o, data: data}, true, nil
}

// deactivateBidPool clears the points of an active pool and expires it. The
// row stays so a later update can reactivate it.
func (m *Merger) deactivateBidPool(o *domain.Order, collection string) error {
	raw, err := domain.NewRawData(domain.SchemaPartialBid, dataVersion, domain.PartialBidData{
		Collection:  collection,
		PricePoints: []domain.PricePoint{},
	})
	if err != nil {
		return err
	}
	o.RawData = raw
	o.FillabilityStatus = domain.FillabilityNoBalance
	o.QuantityRemaining = new(big.Int)
	o.Expiration = m.now().UTC()
	return nil
}

func (m *Merger) bidPoolOrder(id, collection string, points []domain.PricePoint, royaltyBps, sourceID int) (domain.Order, error) {
	raw, err := domain.NewRawData(domain.SchemaPartialBid, dataVersion, domain.PartialBidData{
		Collection:  collection,
		PricePoints: points,
	})
	if err != nil {
		return domain.Order{}, err
	}

	price := points[0].Price
	value := NetOfRoyalty(price, royaltyBps)
	var quantity int64
	for _, p := range points {
		quantity += p.ExecutableSize
	}

	var fees []domain.FeeBreakdown
	if royaltyBps > 0 {
		fees = []domain.FeeBreakdown{{Kind: "royalty", Recipient: collection, Bps: royaltyBps}}
	}
	return domain.Order{
		ID:                id,
		Kind:              m.cfg.Kind,
		Side:              domain.OrderSideBuy,
		Maker:             m.cfg.BidCurrency,
		Contract:          collection,
		TokenSetID:        domain.TokenSetForContract(collection),
		Currency:          m.cfg.BidCurrency,
		Price:             price,
		Value:             value,
		CurrencyPrice:     price,
		CurrencyValue:     value,
		QuantityRemaining: big.NewInt(quantity),
		Conduit:           m.cfg.Conduit,
		SourceID:          sourceID,
		FeeBps:            royaltyBps,
		FeeBreakdown:      fees,
		FillabilityStatus: domain.FillabilityFillable,
		ApprovalStatus:    domain.ApprovalApproved,
		ValidBetween:      domain.ValidBetween{From: m.now().UTC()},
		Expiration:        domain.Infinity,
		RawData:           raw,
	}, nil
}

// MergePoints overlays update on current by exact price. The result is
// normalized.
func MergePoints(current, update []domain.PricePoint) []domain.PricePoint {
	merged := make([]domain.PricePoint, 0, len(current)+len(update))
	index := make(map[string]int, len(current)+len(update))
	for _, p := range append(append([]domain.PricePoint{}, current...), update...) {
		if p.Price == nil {
			continue
		}
		key := p.Price.String()
		if i, ok := index[key]; ok {
			merged[i] = p
			continue
		}
		index[key] = len(merged)
		merged = append(merged, p)
	}
	return NormalizePoints(merged)
}

// NormalizePoints sorts points by price, highest first, and drops empty
// levels.
func NormalizePoints(points []domain.PricePoint) []domain.PricePoint {
	out := make([]domain.PricePoint, 0, len(points))
	for _, p := range points {
		if p.Price == nil || p.Price.Sign() <= 0 || p.ExecutableSize <= 0 {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Price.Cmp(out[j].Price) > 0 })
	return out
}

func samePoints(a, b []domain.PricePoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Price.Cmp(b[i].Price) != 0 || a[i].ExecutableSize != b[i].ExecutableSize {
			return false
		}
	}
	return true
}

// NetOfRoyalty returns price minus royaltyBps basis points, rounded down.
func NetOfRoyalty(price *big.Int, royaltyBps int) *big.Int {
	if royaltyBps <= 0 {
		return new(big.Int).Set(price)
	}
	keep := decimal.NewFromInt(int64(10000 - royaltyBps))
	return decimal.NewFromBigInt(price, 0).Mul(keep).Div(bpsDenominator).Floor().BigInt()
}
