package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

const candidateCols = `o.id, o.kind, o.side, COALESCE(s.domain, ''),
	o.fillability_status, o.approval_status,
	o.currency_price::text, o.quantity_remaining::text,
	o.valid_from, o.valid_to`

func scanCandidates(rows pgx.Rows, withBalance, withApproved bool) ([]domain.StatusCandidate, error) {
	defer rows.Close()

	var out []domain.StatusCandidate
	for rows.Next() {
		var c domain.StatusCandidate
		var kind, side, fill, approval, price, qty string
		var balance *string
		var approved *bool

		dest := []any{
			&c.ID, &kind, &side, &c.SourceDomain,
			&fill, &approval, &price, &qty,
			&c.ValidBetween.From, &c.ValidBetween.To,
		}
		if withBalance {
			dest = append(dest, &balance)
		}
		if withApproved {
			dest = append(dest, &approved)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		c.Kind = domain.OrderKind(kind)
		c.Side = domain.OrderSide(side)
		c.FillabilityStatus = domain.FillabilityStatus(fill)
		c.ApprovalStatus = domain.ApprovalStatus(approval)
		c.CurrencyPrice = parseNum(price)
		c.QuantityRemaining = parseNum(qty)
		if withBalance {
			c.Balance = parseNum("0")
			if balance != nil {
				c.Balance = parseNum(*balance)
			}
		}
		c.Approved = approved
		out = append(out, c)
	}
	return out, rows.Err()
}

// BuyBalanceCandidates returns the maker's potentially fillable bids in the
// given currency joined with the maker's stored currency balance.
func (s *OrderStore) BuyBalanceCandidates(ctx context.Context, maker, currency string) ([]domain.StatusCandidate, error) {
	const query = `SELECT ` + candidateCols + `, COALESCE(b.amount, 0)::text
		FROM orders o
		LEFT JOIN sources s ON s.id = o.source_id
		LEFT JOIN ft_balances b ON b.contract = o.currency AND b.owner = o.maker
		WHERE o.maker = $1
		  AND o.side = 'buy'
		  AND o.currency = $2
		  AND o.fillability_status IN ('fillable', 'no-balance')`

	rows, err := s.pool.Query(ctx, query, maker, currency)
	if err != nil {
		return nil, fmt.Errorf("postgres: buy-balance candidates %s: %w", maker, err)
	}
	out, err := scanCandidates(rows, true, false)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan buy-balance candidates %s: %w", maker, err)
	}
	return out, nil
}

// HasBuyOrdersForConduit reports whether the maker has any live bid in the
// currency that settles through the given conduit.
func (s *OrderStore) HasBuyOrdersForConduit(ctx context.Context, maker, currency, conduit string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM orders o
		WHERE o.maker = $1
		  AND o.side = 'buy'
		  AND o.currency = $2
		  AND o.conduit = $3
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')
		LIMIT 1`,
		maker, currency, conduit,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("postgres: probe buy orders %s/%s: %w", maker, conduit, err)
	}
	return true, nil
}

// BuyApprovalCandidates returns the maker's live bids in currency that
// settle through conduit.
func (s *OrderStore) BuyApprovalCandidates(ctx context.Context, maker, currency, conduit string) ([]domain.StatusCandidate, error) {
	const query = `SELECT ` + candidateCols + `
		FROM orders o
		LEFT JOIN sources s ON s.id = o.source_id
		WHERE o.maker = $1
		  AND o.side = 'buy'
		  AND o.currency = $2
		  AND o.conduit = $3
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')`

	rows, err := s.pool.Query(ctx, query, maker, currency, conduit)
	if err != nil {
		return nil, fmt.Errorf("postgres: buy-approval candidates %s: %w", maker, err)
	}
	out, err := scanCandidates(rows, false, false)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan buy-approval candidates %s: %w", maker, err)
	}
	return out, nil
}

// DistinctBuyConduits lists the conduits used by the maker's live bids of
// the given kind.
func (s *OrderStore) DistinctBuyConduits(ctx context.Context, maker string, kind domain.OrderKind) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT o.conduit FROM orders o
		WHERE o.maker = $1
		  AND o.side = 'buy'
		  AND o.kind = $2
		  AND o.conduit <> ''
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')`,
		maker, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: distinct conduits %s/%s: %w", maker, kind, err)
	}
	conduits, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan conduits %s/%s: %w", maker, kind, err)
	}
	return conduits, nil
}

// SellBalanceCandidates returns the maker's live listings covering the token,
// joined with the maker's stored balance of that token.
func (s *OrderStore) SellBalanceCandidates(ctx context.Context, maker, contract, tokenID string) ([]domain.StatusCandidate, error) {
	const query = `SELECT ` + candidateCols + `, COALESCE(nb.amount, 0)::text
		FROM orders o
		JOIN token_sets_tokens tst ON tst.token_set_id = o.token_set_id
		LEFT JOIN sources s ON s.id = o.source_id
		LEFT JOIN nft_balances nb
			ON nb.contract = tst.contract AND nb.token_id = tst.token_id AND nb.owner = o.maker
		WHERE tst.contract = $2
		  AND tst.token_id = $3::numeric
		  AND o.side = 'sell'
		  AND o.maker = $1
		  AND o.fillability_status IN ('fillable', 'no-balance')`

	rows, err := s.pool.Query(ctx, query, maker, contract, tokenID)
	if err != nil {
		return nil, fmt.Errorf("postgres: sell-balance candidates %s: %w", maker, err)
	}
	out, err := scanCandidates(rows, true, false)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sell-balance candidates %s: %w", maker, err)
	}
	return out, nil
}

// SellApprovalCandidates returns the maker's live listings on the contract
// that settle through operator, joined with the latest approval event.
func (s *OrderStore) SellApprovalCandidates(ctx context.Context, maker, contract, operator string) ([]domain.StatusCandidate, error) {
	const query = `SELECT ` + candidateCols + `, latest.approved
		FROM orders o
		LEFT JOIN sources s ON s.id = o.source_id
		LEFT JOIN LATERAL (
			SELECT e.approved FROM nft_approval_events e
			WHERE e.contract = o.contract AND e.owner = o.maker AND e.operator = o.conduit
			ORDER BY e.block_number DESC, e.log_index DESC
			LIMIT 1
		) latest ON TRUE
		WHERE o.maker = $1
		  AND o.side = 'sell'
		  AND o.contract = $2
		  AND o.conduit = $3
		  AND o.fillability_status IN ('fillable', 'no-balance')
		  AND o.approval_status IN ('approved', 'no-approval')`

	rows, err := s.pool.Query(ctx, query, maker, contract, operator)
	if err != nil {
		return nil, fmt.Errorf("postgres: sell-approval candidates %s: %w", maker, err)
	}
	out, err := scanCandidates(rows, false, true)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sell-approval candidates %s: %w", maker, err)
	}
	return out, nil
}
