package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// OrderStore persists orders and applies status transitions.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Insert stores a new order. It reports false if the id already exists.
func (s *OrderStore) Insert(ctx context.Context, o domain.Order) (bool, error) {
	fees, err := json.Marshal(o.FeeBreakdown)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal fee breakdown %s: %w", o.ID, err)
	}
	raw, err := json.Marshal(o.RawData)
	if err != nil {
		return false, fmt.Errorf("postgres: marshal raw data %s: %w", o.ID, err)
	}
	if o.FeeBreakdown == nil {
		fees = []byte("[]")
	}

	const query = `
		INSERT INTO orders (
			id, kind, side, maker, taker, contract, token_set_id, currency,
			price, value, currency_price, currency_value, quantity_remaining, nonce,
			conduit, source_id, fee_bps, fee_breakdown,
			fillability_status, approval_status, valid_from, valid_to, expiration,
			raw_data, originated_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9::numeric, $10::numeric, $11::numeric, $12::numeric, $13::numeric, $14::numeric,
			$15, NULLIF($16, 0), $17, $18,
			$19, $20, $21, $22, $23,
			$24, $25, NOW(), NOW()
		)
		ON CONFLICT (id) DO NOTHING`

	var inserted bool
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query,
			o.ID, string(o.Kind), string(o.Side), o.Maker, o.Taker, o.Contract, o.TokenSetID, o.Currency,
			numStr(o.Price), numStr(o.Value), numStr(o.CurrencyPrice), numStr(o.CurrencyValue),
			numStr(o.QuantityRemaining), numStr(o.Nonce),
			o.Conduit, o.SourceID, o.FeeBps, fees,
			string(o.FillabilityStatus), string(o.ApprovalStatus),
			o.ValidBetween.From, o.ValidBetween.To, o.Expiration,
			raw, o.OriginatedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		if !inserted {
			return nil
		}
		contract, tokenID, ok := splitTokenSet(o.TokenSetID)
		if !ok {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO token_sets_tokens (token_set_id, contract, token_id)
			VALUES ($1, $2, $3::numeric)
			ON CONFLICT DO NOTHING`,
			o.TokenSetID, contract, tokenID,
		)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("postgres: insert order %s: %w", o.ID, err)
	}
	return inserted, nil
}

const orderSelectCols = `o.id, o.kind, o.side, o.maker, o.taker, o.contract, o.token_set_id, o.currency,
	o.price::text, o.value::text, o.currency_price::text, o.currency_value::text,
	o.quantity_remaining::text, o.nonce::text, o.conduit, COALESCE(o.source_id, 0),
	o.fee_bps, o.fee_breakdown, o.fillability_status, o.approval_status,
	o.valid_from, o.valid_to, o.expiration, o.raw_data, o.originated_at,
	o.created_at, o.updated_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var kind, side, fill, approval string
	var price, value, currencyPrice, currencyValue, qty string
	var nonce *string
	var fees, raw []byte

	err := scanner.Scan(
		&o.ID, &kind, &side, &o.Maker, &o.Taker, &o.Contract, &o.TokenSetID, &o.Currency,
		&price, &value, &currencyPrice, &currencyValue,
		&qty, &nonce, &o.Conduit, &o.SourceID,
		&o.FeeBps, &fees, &fill, &approval,
		&o.ValidBetween.From, &o.ValidBetween.To, &o.Expiration, &raw, &o.OriginatedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Kind = domain.OrderKind(kind)
	o.Side = domain.OrderSide(side)
	o.FillabilityStatus = domain.FillabilityStatus(fill)
	o.ApprovalStatus = domain.ApprovalStatus(approval)
	o.Price = parseNum(price)
	o.Value = parseNum(value)
	o.CurrencyPrice = parseNum(currencyPrice)
	o.CurrencyValue = parseNum(currencyValue)
	o.QuantityRemaining = parseNum(qty)
	if nonce != nil {
		o.Nonce = parseNum(*nonce)
	}
	if len(fees) > 0 {
		if err := json.Unmarshal(fees, &o.FeeBreakdown); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal fee breakdown: %w", err)
		}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o.RawData); err != nil {
			return domain.Order{}, fmt.Errorf("unmarshal raw data: %w", err)
		}
	}
	return o, nil
}

// GetByID returns a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderSelectCols+` FROM orders o WHERE o.id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// GetPotentiallyValid returns the order only if it could still become
// active: fillable or no-balance, and approved or no-approval.
func (s *OrderStore) GetPotentiallyValid(ctx context.Context, id string) (domain.Order, error) {
	const query = `SELECT ` + orderSelectCols + ` FROM orders o
		WHERE o.id = $1
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get potentially valid order %s: %w", id, err)
	}
	return o, nil
}

// ListPotentiallyValidIDs returns ids of potentially valid orders in the
// given scope, paged by id.
func (s *OrderStore) ListPotentiallyValidIDs(ctx context.Context, by domain.FixBy, key, afterID string, limit int) ([]string, error) {
	var where string
	var arg any
	switch by {
	case domain.FixByToken:
		contract, tokenID, ok := strings.Cut(key, ":")
		if !ok {
			return nil, fmt.Errorf("postgres: malformed token key %q", key)
		}
		where = "o.token_set_id = $1"
		arg = domain.TokenSetForToken(contract, tokenID)
	case domain.FixByMaker:
		where = "o.maker = $1"
		arg = key
	case domain.FixByContract:
		where = "o.contract = $1"
		arg = key
	default:
		return nil, fmt.Errorf("postgres: list ids by %q not supported", by)
	}

	query := `SELECT o.id FROM orders o
		WHERE ` + where + `
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')
		  AND o.id > $2
		ORDER BY o.id
		LIMIT $3`
	rows, err := s.pool.Query(ctx, query, arg, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order ids by %s: %w", by, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan order ids by %s: %w", by, err)
	}
	return ids, nil
}

// UpdateStatus writes the status pair only if it differs from the stored
// one. It returns the new updated_at and whether a row changed.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, fill domain.FillabilityStatus, approval domain.ApprovalStatus, at time.Time) (time.Time, bool, error) {
	const query = `
		UPDATE orders SET
			fillability_status = $2,
			approval_status = $3,
			expiration = CASE
				WHEN $2 = 'fillable' AND $3 = 'approved' THEN COALESCE(valid_to, $5::timestamptz)
				ELSE $4::timestamptz
			END,
			updated_at = NOW()
		WHERE id = $1
		  AND (fillability_status IS DISTINCT FROM $2 OR approval_status IS DISTINCT FROM $3)
		RETURNING updated_at`

	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, query, id, string(fill), string(approval), at, domain.Infinity).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	return updatedAt, true, nil
}

// ApplyStatusChanges performs a batched conditional update and returns the
// ids whose stored state actually changed.
func (s *OrderStore) ApplyStatusChanges(ctx context.Context, changes []domain.StatusChange) ([]string, error) {
	if len(changes) == 0 {
		return nil, nil
	}
	ids := make([]string, len(changes))
	fills := make([]*string, len(changes))
	approvals := make([]*string, len(changes))
	qtys := make([]*string, len(changes))
	exps := make([]time.Time, len(changes))
	for i, c := range changes {
		ids[i] = c.ID
		if c.FillabilityStatus != "" {
			v := string(c.FillabilityStatus)
			fills[i] = &v
		}
		if c.ApprovalStatus != "" {
			v := string(c.ApprovalStatus)
			approvals[i] = &v
		}
		qtys[i] = numStr(c.QuantityRemaining)
		exps[i] = c.Expiration
	}

	const query = `
		UPDATE orders AS o SET
			fillability_status = COALESCE(x.fillability_status, o.fillability_status),
			approval_status = COALESCE(x.approval_status, o.approval_status),
			quantity_remaining = COALESCE(x.quantity_remaining::numeric, o.quantity_remaining),
			expiration = x.expiration,
			updated_at = NOW()
		FROM unnest($1::text[], $2::text[], $3::text[], $4::text[], $5::timestamptz[])
			AS x(id, fillability_status, approval_status, quantity_remaining, expiration)
		WHERE o.id = x.id
		  AND (o.fillability_status IS DISTINCT FROM COALESCE(x.fillability_status, o.fillability_status)
		    OR o.approval_status IS DISTINCT FROM COALESCE(x.approval_status, o.approval_status)
		    OR o.quantity_remaining IS DISTINCT FROM COALESCE(x.quantity_remaining::numeric, o.quantity_remaining))
		RETURNING o.id`

	rows, err := s.pool.Query(ctx, query, ids, fills, approvals, qtys, exps)
	if err != nil {
		return nil, fmt.Errorf("postgres: apply %d status changes: %w", len(changes), err)
	}
	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect changed order ids: %w", err)
	}
	return changed, nil
}

// ApplyFill decrements quantity_remaining by the fill amount and marks the
// order filled once nothing remains. The fill row is flagged applied in the
// same statement and only when the order took it, so a replayed fill is
// counted at most once and a fill that found no order stays pending. It
// reports whether the fill was applied.
func (s *OrderStore) ApplyFill(ctx context.Context, f domain.FillEvent) (bool, error) {
	const query = `
		WITH pending AS (
			SELECT amount FROM fill_events
			WHERE tx_hash = $1 AND log_index = $2 AND batch_index = $3
			  AND NOT applied
			FOR UPDATE
		), taken AS (
			UPDATE orders o SET
				quantity_remaining = GREATEST(o.quantity_remaining - p.amount, 0),
				fillability_status = CASE
					WHEN o.quantity_remaining - p.amount <= 0 THEN 'filled'
					ELSE o.fillability_status
				END,
				expiration = CASE
					WHEN o.quantity_remaining - p.amount <= 0 THEN $5::timestamptz
					ELSE o.expiration
				END,
				updated_at = NOW()
			FROM pending p
			WHERE o.id = $4
			  AND o.fillability_status IN ('fillable', 'no-balance')
			RETURNING o.id
		)
		UPDATE fill_events SET
			applied = TRUE,
			order_id = COALESCE(order_id, $4)
		WHERE tx_hash = $1 AND log_index = $2 AND batch_index = $3
		  AND EXISTS (SELECT 1 FROM taken)`

	at := time.Unix(f.Timestamp, 0).UTC()
	tag, err := s.pool.Exec(ctx, query, f.TxHash, int(f.LogIndex), f.BatchIndex, f.OrderID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: apply fill %s/%d to %s: %w", f.TxHash, f.LogIndex, f.OrderID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelBelowMasterNonce cancels every potentially valid order of the maker
// whose signed master nonce is lower than nonce.
func (s *OrderStore) CancelBelowMasterNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int, at time.Time) ([]string, error) {
	const query = `
		UPDATE orders SET
			fillability_status = 'cancelled',
			expiration = $4::timestamptz,
			updated_at = NOW()
		WHERE kind = $1
		  AND maker = $2
		  AND fillability_status IN ('fillable', 'no-balance')
		  AND (raw_data->'payload'->>'masterNonce')::numeric < $3::numeric
		RETURNING id`
	rows, err := s.pool.Query(ctx, query, string(kind), maker, numStr(nonce), at)
	if err != nil {
		return nil, fmt.Errorf("postgres: cancel %s orders of %s below nonce: %w", kind, maker, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect cancelled ids: %w", err)
	}
	return ids, nil
}

// FindByNonce looks up an order by its per-order nonce and returns the
// master nonce recorded in its raw data.
func (s *OrderStore) FindByNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int) (string, *big.Int, error) {
	var id, master string
	err := s.pool.QueryRow(ctx, `
		SELECT id, COALESCE(raw_data->'payload'->>'masterNonce', '0')
		FROM orders
		WHERE kind = $1 AND maker = $2 AND nonce = $3::numeric
		ORDER BY created_at DESC
		LIMIT 1`,
		string(kind), maker, numStr(nonce),
	).Scan(&id, &master)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, domain.ErrNotFound
		}
		return "", nil, fmt.Errorf("postgres: find %s order by nonce: %w", kind, err)
	}
	return id, parseNum(master), nil
}

// CancelByNonce cancels the maker's potentially valid orders signed with
// the given per-order nonce.
func (s *OrderStore) CancelByNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int, at time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders SET
			fillability_status = 'cancelled',
			expiration = $4::timestamptz,
			updated_at = NOW()
		WHERE kind = $1
		  AND maker = $2
		  AND nonce = $3::numeric
		  AND fillability_status IN ('fillable', 'no-balance')
		RETURNING id`,
		string(kind), maker, numStr(nonce), at,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: cancel %s orders of %s by nonce: %w", kind, maker, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect cancelled ids: %w", err)
	}
	return ids, nil
}

// ExpireOrders marks every potentially valid order whose validity window
// closed before now as expired and returns their ids.
func (s *OrderStore) ExpireOrders(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE orders SET
			fillability_status = 'expired',
			expiration = $1::timestamptz,
			updated_at = NOW()
		WHERE valid_to IS NOT NULL
		  AND valid_to <= $1::timestamptz
		  AND fillability_status IN ('fillable', 'no-balance')
		RETURNING id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: expire orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: collect expired ids: %w", err)
	}
	return ids, nil
}

// CountByStatus returns order counts grouped by fillability status.
func (s *OrderStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT fillability_status, COUNT(*) FROM orders GROUP BY fillability_status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count orders: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan order count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func numStr(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNum(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

func splitTokenSet(id string) (contract, tokenID string, ok bool) {
	rest, found := strings.CutPrefix(id, "token:")
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}
