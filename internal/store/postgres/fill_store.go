package postgres

import (
	"context"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore backed by the given connection pool.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

const fillSelectCols = `tx_hash, log_index, batch_index, block_number, timestamp,
	order_kind, COALESCE(order_id, ''), order_side, maker, taker, contract,
	token_id::text, amount::text, price::text, currency`

func scanFillRows(rows pgx.Rows) ([]domain.FillEvent, error) {
	var fills []domain.FillEvent
	for rows.Next() {
		var f domain.FillEvent
		var logIndex int
		var blockNumber int64
		var kind, side, amount, price string
		if err := rows.Scan(
			&f.TxHash, &logIndex, &f.BatchIndex, &blockNumber, &f.Timestamp,
			&kind, &f.OrderID, &side, &f.Maker, &f.Taker, &f.Contract,
			&f.TokenID, &amount, &price, &f.Currency,
		); err != nil {
			return nil, err
		}
		f.LogIndex = uint(logIndex)
		f.BlockNumber = uint64(blockNumber)
		f.OrderKind = domain.OrderKind(kind)
		f.OrderSide = domain.OrderSide(side)
		f.Amount = parseNum(amount)
		f.Price = parseNum(price)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

const insertFillQuery = `
	INSERT INTO fill_events (
		tx_hash, log_index, batch_index, block_number, timestamp,
		order_kind, order_id, order_side, maker, taker, contract,
		token_id, amount, price, currency
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, NULLIF($7, ''), $8, $9, $10, $11,
		$12::numeric, $13::numeric, $14::numeric, $15
	) ON CONFLICT (tx_hash, log_index, batch_index) DO NOTHING`

func fillArgs(f domain.FillEvent) []any {
	return []any{
		f.TxHash, int(f.LogIndex), f.BatchIndex, int64(f.BlockNumber), f.Timestamp,
		string(f.OrderKind), f.OrderID, string(f.OrderSide), f.Maker, f.Taker, f.Contract,
		f.TokenID, numStr(f.Amount), numStr(f.Price), f.Currency,
	}
}

// InsertFill stores one fill. Replays are skipped and reported as false.
func (s *FillStore) InsertFill(ctx context.Context, f domain.FillEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertFillQuery, fillArgs(f)...)
	if err != nil {
		return false, fmt.Errorf("postgres: insert fill %s/%d: %w", f.TxHash, f.LogIndex, err)
	}
	return tag.RowsAffected() == 1, nil
}

// InsertBatch inserts multiple fills using a pgx Batch.
func (s *FillStore) InsertBatch(ctx context.Context, fills []domain.FillEvent) error {
	if len(fills) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, f := range fills {
		batch.Queue(insertFillQuery, fillArgs(f)...)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range fills {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert fill batch item %d: %w", i, err)
		}
	}
	return nil
}

// PendingFillAmount sums the fills linked to an order that were never
// applied to it, usually because the sale was indexed before the order.
func (s *FillStore) PendingFillAmount(ctx context.Context, orderID string) (*big.Int, error) {
	var total string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM fill_events WHERE order_id = $1 AND NOT applied`,
		orderID,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending fills of %s: %w", orderID, err)
	}
	return parseNum(total), nil
}

// ListByOrder returns the fills linked to an order, newest first.
func (s *FillStore) ListByOrder(ctx context.Context, orderID string) ([]domain.FillEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+fillSelectCols+` FROM fill_events WHERE order_id = $1 ORDER BY block_number DESC, log_index DESC`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills of %s: %w", orderID, err)
	}
	defer rows.Close()

	fills, err := scanFillRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills of %s: %w", orderID, err)
	}
	return fills, nil
}
