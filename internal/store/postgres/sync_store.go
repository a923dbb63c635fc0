package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// SyncStore persists log syncer cursors and archived trace locations.
type SyncStore struct {
	pool *pgxpool.Pool
}

// NewSyncStore creates a new SyncStore backed by the given pool.
func NewSyncStore(pool *pgxpool.Pool) *SyncStore {
	return &SyncStore{pool: pool}
}

// GetCursor returns the named cursor or domain.ErrNotFound.
func (s *SyncStore) GetCursor(ctx context.Context, name string) (domain.SyncCursor, error) {
	var c domain.SyncCursor
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT name, block, updated_at FROM sync_state WHERE name = $1`, name,
	).Scan(&c.Name, &block, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SyncCursor{}, domain.ErrNotFound
		}
		return domain.SyncCursor{}, fmt.Errorf("postgres: get cursor %s: %w", name, err)
	}
	c.Block = uint64(block)
	return c, nil
}

// SetCursor moves the named cursor to block.
func (s *SyncStore) SetCursor(ctx context.Context, name string, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (name, block, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block, updated_at = NOW()`,
		name, int64(block),
	)
	if err != nil {
		return fmt.Errorf("postgres: set cursor %s: %w", name, err)
	}
	return nil
}

// RecordTrace remembers where the trace of txHash was archived.
func (s *SyncStore) RecordTrace(ctx context.Context, txHash, path string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO call_traces (tx_hash, blob_path) VALUES ($1, $2)
		ON CONFLICT (tx_hash) DO NOTHING`,
		txHash, path,
	)
	if err != nil {
		return fmt.Errorf("postgres: record trace %s: %w", txHash, err)
	}
	return nil
}

// TracePath returns the archive path of a trace or domain.ErrNotFound.
func (s *SyncStore) TracePath(ctx context.Context, txHash string) (string, error) {
	var path string
	err := s.pool.QueryRow(ctx, `SELECT blob_path FROM call_traces WHERE tx_hash = $1`, txHash).Scan(&path)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("postgres: trace path %s: %w", txHash, err)
	}
	return path, nil
}
