package partial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// MergeListing applies one listing update. At most one listing per token
// from the feed stays active: the newest by createdAt.
func (m *Merger) MergeListing(ctx context.Context, l domain.PartialListing) (domain.PartialResult, error) {
	collection := strings.ToLower(l.Collection)
	if collection == "" || l.TokenID == "" {
		return domain.PartialResult{}, fmt.Errorf("%w: listing without token", domain.ErrInvalidPayload)
	}

	unlock, err := m.locks.Acquire(ctx, "partial-listing:"+collection+":"+l.TokenID, lockTTL)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: lock listing %s:%s: %w", collection, l.TokenID, err)
	}
	defer unlock()

	owner, err := m.resolveOwner(ctx, collection, l)
	if err != nil {
		return domain.PartialResult{}, err
	}
	if owner == "" {
		return domain.PartialResult{Status: domain.PartialUnknownOwn}, nil
	}
	if l.Owner != "" && !strings.EqualFold(l.Owner, owner) {
		m.logger.DebugContext(ctx, "listing owner mismatch",
			slog.String("collection", collection),
			slog.String("token_id", l.TokenID),
			slog.String("owner", owner),
		)
		return domain.PartialResult{Status: domain.PartialRedundant}, nil
	}

	now := m.now().UTC()
	createdAt := now
	if l.CreatedAt != nil {
		createdAt = l.CreatedAt.UTC()
	}
	createdAt = createdAt.Truncate(time.Second)

	price := l.Price
	if price != nil && price.Sign() <= 0 {
		price = nil
	}
	if price != nil {
		blocked, err := m.operatorBlocked(ctx, collection)
		if err != nil {
			return domain.PartialResult{}, err
		}
		if blocked {
			price = nil
		}
	}
	if price != nil {
		transferredAt, ok, err := m.orders.LastTransferTime(ctx, collection, l.TokenID)
		if err != nil {
			return domain.PartialResult{}, fmt.Errorf("partial: last transfer %s:%s: %w", collection, l.TokenID, err)
		}
		if ok && transferredAt.After(createdAt) {
			price = nil
		}
	}

	src, err := m.sources.Resolve(ctx, m.cfg.SourceDomain)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: source %s: %w", m.cfg.SourceDomain, err)
	}
	tokenSetID := domain.TokenSetForToken(collection, l.TokenID)

	id := ""
	if price != nil {
		id = orderID(m.cfg.SourceDomain, owner, collection, l.TokenID, price.String(), strconv.FormatInt(createdAt.Unix(), 10))
		newer, err := m.orders.NewerListingExists(ctx, m.cfg.Kind, src.ID, tokenSetID, createdAt, id)
		if err != nil {
			return domain.PartialResult{}, fmt.Errorf("partial: newer listing %s: %w", tokenSetID, err)
		}
		if newer {
			return domain.PartialResult{ID: id, Status: domain.PartialStale}, nil
		}
	}

	disabled, err := m.orders.DisableOlderListings(ctx, m.cfg.Kind, src.ID, tokenSetID, createdAt, id, now)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: disable older %s: %w", tokenSetID, err)
	}
	if err := m.notify(ctx, domain.TriggerCancel, "partial-disabled-"+strconv.FormatInt(createdAt.Unix(), 10), disabled...); err != nil {
		return domain.PartialResult{}, err
	}

	if price == nil {
		return domain.PartialResult{Status: domain.PartialNoPrice}, nil
	}

	o, err := m.listingOrder(id, owner, collection, l.TokenID, tokenSetID, price, createdAt, src.ID)
	if err != nil {
		return domain.PartialResult{}, err
	}
	inserted, err := m.orders.Insert(ctx, o)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: insert listing %s: %w", id, err)
	}
	if inserted {
		if err := m.notify(ctx, domain.TriggerNewOrder, "new-order", id); err != nil {
			return domain.PartialResult{}, err
		}
		return domain.PartialResult{ID: id, Status: domain.PartialSuccess}, nil
	}

	reactivated, err := m.orders.ReactivateListing(ctx, id)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: reactivate listing %s: %w", id, err)
	}
	if reactivated {
		if err := m.notify(ctx, domain.TriggerReprice, "partial-reactivated-"+strconv.FormatInt(now.UnixMicro(), 10), id); err != nil {
			return domain.PartialResult{}, err
		}
		return domain.PartialResult{ID: id, Status: domain.PartialSuccess}, nil
	}

	existing, err := m.orders.GetByID(ctx, id)
	if err != nil {
		return domain.PartialResult{}, fmt.Errorf("partial: load listing %s: %w", id, err)
	}
	if existing.FillabilityStatus.Terminal() {
		return domain.PartialResult{ID: id, Status: domain.PartialTerminal}, nil
	}
	return domain.PartialResult{ID: id, Status: domain.PartialUnchanged}, nil
}

// resolveOwner returns the indexed holder of the token. Tokens held by the
// custodial relay, or not indexed yet, are attributed to the claimed owner.
func (m *Merger) resolveOwner(ctx context.Context, collection string, l domain.PartialListing) (string, error) {
	claimed := strings.ToLower(l.Owner)
	owner, err := m.orders.TokenOwner(ctx, collection, l.TokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return claimed, nil
	}
	if err != nil {
		return "", fmt.Errorf("partial: owner of %s:%s: %w", collection, l.TokenID, err)
	}
	owner = strings.ToLower(owner)
	if m.cfg.Relay != "" && owner == m.cfg.Relay && claimed != "" {
		return claimed, nil
	}
	return owner, nil
}

func (m *Merger) listingOrder(id, owner, collection, tokenID, tokenSetID string, price *big.Int, createdAt time.Time, sourceID int) (domain.Order, error) {
	raw, err := domain.NewRawData(domain.SchemaPartialListing, dataVersion, domain.PartialListingData{
		Collection: collection,
		TokenID:    tokenID,
		Owner:      owner,
		Price:      price,
		CreatedAt:  createdAt,
	})
	if err != nil {
		return domain.Order{}, err
	}
	originated := createdAt
	return domain.Order{
		ID:                id,
		Kind:              m.cfg.Kind,
		Side:              domain.OrderSideSell,
		Maker:             owner,
		Contract:          collection,
		TokenSetID:        tokenSetID,
		Currency:          m.cfg.ListingCurrency,
		Price:             price,
		Value:             price,
		CurrencyPrice:     price,
		CurrencyValue:     price,
		QuantityRemaining: big.NewInt(1),
		Conduit:           m.cfg.Conduit,
		SourceID:          sourceID,
		FillabilityStatus: domain.FillabilityFillable,
		ApprovalStatus:    domain.ApprovalApproved,
		ValidBetween:      domain.ValidBetween{From: createdAt},
		Expiration:        domain.Infinity,
		RawData:           raw,
		OriginatedAt:      &originated,
	}, nil
}
