package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// BalanceStore tracks the balances, allowances and nonces that order status
// depends on.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore creates a new BalanceStore backed by the given pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

// SetFTBalance stores the current ERC20 balance of owner.
func (s *BalanceStore) SetFTBalance(ctx context.Context, contract, owner string, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ft_balances (contract, owner, amount, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())
		ON CONFLICT (contract, owner) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
		contract, owner, numStr(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: set ft balance %s/%s: %w", contract, owner, err)
	}
	return nil
}

// SetFTApproval stores the current ERC20 allowance of owner for spender.
func (s *BalanceStore) SetFTApproval(ctx context.Context, token, owner, spender string, value *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ft_approvals (token, owner, spender, value, updated_at)
		VALUES ($1, $2, $3, $4::numeric, NOW())
		ON CONFLICT (token, owner, spender) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		token, owner, spender, numStr(value),
	)
	if err != nil {
		return fmt.Errorf("postgres: set ft approval %s/%s/%s: %w", token, owner, spender, err)
	}
	return nil
}

// SetNFTBalance stores the current balance of owner for one token.
func (s *BalanceStore) SetNFTBalance(ctx context.Context, contract, tokenID, owner string, amount *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nft_balances (contract, token_id, owner, amount, updated_at)
		VALUES ($1, $2::numeric, $3, $4::numeric, NOW())
		ON CONFLICT (contract, token_id, owner) DO UPDATE SET amount = EXCLUDED.amount, updated_at = NOW()`,
		contract, tokenID, owner, numStr(amount),
	)
	if err != nil {
		return fmt.Errorf("postgres: set nft balance %s:%s/%s: %w", contract, tokenID, owner, err)
	}
	return nil
}

// InsertNFTTransfer records a transfer. It reports false on replays.
func (s *BalanceStore) InsertNFTTransfer(ctx context.Context, t domain.NFTTransfer) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO nft_transfer_events (
			contract, token_id, from_address, to_address, amount,
			tx_hash, log_index, batch_index, block_number, timestamp
		) VALUES ($1, $2::numeric, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		t.Contract, t.TokenID, t.From, t.To, numStr(t.Amount),
		t.TxHash, int(t.LogIndex), t.BatchIndex, int64(t.BlockNumber), t.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert nft transfer %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertNFTApproval records an ApprovalForAll change. It reports false on
// replays.
func (s *BalanceStore) InsertNFTApproval(ctx context.Context, a domain.NFTApproval) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO nft_approval_events (
			contract, owner, operator, approved, tx_hash, log_index, block_number, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING`,
		a.Contract, a.Owner, a.Operator, a.Approved,
		a.TxHash, int(a.LogIndex), int64(a.BlockNumber), a.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert nft approval %s/%d: %w", a.TxHash, a.LogIndex, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MasterNonce returns the maker's current master nonce for kind, or zero.
func (s *BalanceStore) MasterNonce(ctx context.Context, kind domain.OrderKind, maker string) (*big.Int, error) {
	var nonce string
	err := s.pool.QueryRow(ctx,
		`SELECT nonce::text FROM maker_master_nonces WHERE kind = $1 AND maker = $2`,
		string(kind), maker,
	).Scan(&nonce)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("postgres: master nonce %s/%s: %w", kind, maker, err)
	}
	return parseNum(nonce), nil
}

// SetMasterNonce raises the maker's master nonce. Lower values are ignored.
func (s *BalanceStore) SetMasterNonce(ctx context.Context, kind domain.OrderKind, maker string, nonce *big.Int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO maker_master_nonces (kind, maker, nonce, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())
		ON CONFLICT (kind, maker) DO UPDATE SET
			nonce = GREATEST(maker_master_nonces.nonce, EXCLUDED.nonce),
			updated_at = NOW()`,
		string(kind), maker, numStr(nonce),
	)
	if err != nil {
		return fmt.Errorf("postgres: set master nonce %s/%s: %w", kind, maker, err)
	}
	return nil
}
