package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// TokenOwner returns the current holder of an ERC721 token.
func (s *OrderStore) TokenOwner(ctx context.Context, contract, tokenID string) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `
		SELECT owner FROM nft_balances
		WHERE contract = $1 AND token_id = $2::numeric AND amount > 0
		ORDER BY updated_at DESC
		LIMIT 1`,
		contract, tokenID,
	).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: token owner %s:%s: %w", contract, tokenID, err)
	}
	return owner, nil
}

// LastTransferTime returns the timestamp of the newest transfer of a token.
// ok is false when no transfer was indexed.
func (s *OrderStore) LastTransferTime(ctx context.Context, contract, tokenID string) (time.Time, bool, error) {
	var ts *int64
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(timestamp) FROM nft_transfer_events
		WHERE contract = $1 AND token_id = $2::numeric`,
		contract, tokenID,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("postgres: last transfer %s:%s: %w", contract, tokenID, err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return time.Unix(*ts, 0).UTC(), true, nil
}

// DisableOlderListings disables live listings of the same kind and source
// on the token created at or before createdAt. excludeID is left untouched.
func (s *OrderStore) DisableOlderListings(ctx context.Context, kind domain.OrderKind, sourceID int, tokenSetID string, createdAt time.Time, excludeID string, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders SET
			approval_status = 'disabled',
			expiration = $6,
			updated_at = NOW()
		WHERE kind = $1
		  AND source_id = $2
		  AND token_set_id = $3
		  AND side = 'sell'
		  AND id <> $5
		  AND originated_at <= $4
		  AND fillability_status IN ('fillable', 'no-balance')
		  AND approval_status <> 'disabled'
		RETURNING id`,
		string(kind), sourceID, tokenSetID, createdAt, excludeID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: disable older listings %s: %w", tokenSetID, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect disabled listings %s: %w", tokenSetID, err)
	}
	return ids, nil
}

// NewerListingExists reports whether a live listing of the same kind and
// source on the token was created after createdAt.
func (s *OrderStore) NewerListingExists(ctx context.Context, kind domain.OrderKind, sourceID int, tokenSetID string, createdAt time.Time, excludeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE kind = $1
			  AND source_id = $2
			  AND token_set_id = $3
			  AND side = 'sell'
			  AND id <> $5
			  AND originated_at > $4
			  AND fillability_status IN ('fillable', 'no-balance')
			  AND approval_status <> 'disabled'
		)`,
		string(kind), sourceID, tokenSetID, createdAt, excludeID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: newer listing probe %s: %w", tokenSetID, err)
	}
	return exists, nil
}

// ReactivateListing marks a non-terminal listing fillable and approved again.
func (s *OrderStore) ReactivateListing(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET
			fillability_status = 'fillable',
			approval_status = 'approved',
			expiration = COALESCE(valid_to, $2),
			updated_at = NOW()
		WHERE id = $1
		  AND fillability_status NOT IN ('cancelled', 'filled', 'expired')
		  AND (fillability_status <> 'fillable' OR approval_status <> 'approved')`,
		id, domain.Infinity,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: reactivate listing %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RoyaltyBps returns the collection royalty, or zero when unknown.
func (s *OrderStore) RoyaltyBps(ctx context.Context, contract string) (int, error) {
	var bps int
	err := s.pool.QueryRow(ctx, `SELECT royalty_bps FROM collections WHERE contract = $1`, contract).Scan(&bps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: royalty of %s: %w", contract, err)
	}
	return bps, nil
}

// UpsertBidPool inserts the pool order or rewrites its derived fields when
// any of them differ. Terminal rows are never touched. It reports whether a
// row was written.
func (s *OrderStore) UpsertBidPool(ctx context.Context, o domain.Order) (bool, error) {
	raw, err := json.Marshal(o.RawData)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal bid pool %s: %w", o.ID, err)
	}
	fees, err := json.Marshal(o.FeeBreakdown)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal bid pool fees %s: %w", o.ID, err)
	}
	if o.FeeBreakdown == nil {
		fees = []byte("[]")
	}

	const query = `
		INSERT INTO orders (
			id, kind, side, maker, taker, contract, token_set_id, currency,
			price, value, currency_price, currency_value, quantity_remaining,
			conduit, source_id, fee_bps, fee_breakdown,
			fillability_status, approval_status, valid_from, valid_to, expiration,
			raw_data, originated_at, created_at, updated_at
		) VALUES (
			$1, $2, 'buy', $3, '', $4, $5, $6,
			$7::numeric, $8::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, NULLIF($11, 0), $12, $13,
			$14, $15, $16, NULL, $17,
			$18, $16, NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			price = EXCLUDED.price,
			value = EXCLUDED.value,
			currency_price = EXCLUDED.currency_price,
			currency_value = EXCLUDED.currency_value,
			quantity_remaining = EXCLUDED.quantity_remaining,
			fee_bps = EXCLUDED.fee_bps,
			fee_breakdown = EXCLUDED.fee_breakdown,
			fillability_status = EXCLUDED.fillability_status,
			approval_status = EXCLUDED.approval_status,
			expiration = EXCLUDED.expiration,
			raw_data = EXCLUDED.raw_data,
			updated_at = NOW()
		WHERE orders.fillability_status NOT IN ('cancelled', 'filled', 'expired')
		  AND (orders.price, orders.value, orders.quantity_remaining, orders.fee_bps,
		       orders.fillability_status, orders.approval_status, orders.raw_data)
		      IS DISTINCT FROM
		      (EXCLUDED.price, EXCLUDED.value, EXCLUDED.quantity_remaining, EXCLUDED.fee_bps,
		       EXCLUDED.fillability_status, EXCLUDED.approval_status, EXCLUDED.raw_data)
		RETURNING id`

	var id string
	err = s.pool.QueryRow(ctx, query,
		o.ID, string(o.Kind), o.Maker, o.Contract, o.TokenSetID, o.Currency,
		numStr(o.Price), numStr(o.Value), numStr(o.QuantityRemaining),
		o.Conduit, o.SourceID, o.FeeBps, fees,
		string(o.FillabilityStatus), string(o.ApprovalStatus), o.ValidBetween.From, o.Expiration,
		raw,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: upsert bid pool %s: %w", o.ID, err)
	}
	return true, nil
}
