package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// SourceStore implements domain.SourceStore using PostgreSQL.
type SourceStore struct {
	pool *pgxpool.Pool
}

// NewSourceStore creates a new SourceStore backed by the given pool.
func NewSourceStore(pool *pgxpool.Pool) *SourceStore {
	return &SourceStore{pool: pool}
}

// GetOrCreate returns the source for domain, registering it if needed.
func (s *SourceStore) GetOrCreate(ctx context.Context, domainName string) (domain.Source, error) {
	var src domain.Source
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sources (domain) VALUES ($1)
		ON CONFLICT (domain) DO UPDATE SET domain = EXCLUDED.domain
		RETURNING id, domain`,
		domainName,
	).Scan(&src.ID, &src.Domain)
	if err != nil {
		return domain.Source{}, fmt.Errorf("postgres: get or create source %s: %w", domainName, err)
	}
	return src, nil
}

// List returns every registered source.
func (s *SourceStore) List(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, domain FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sources: %w", err)
	}
	sources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Source, error) {
		var src domain.Source
		err := row.Scan(&src.ID, &src.Domain)
		return src, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sources: %w", err)
	}
	return sources, nil
}
