package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// SourceCache is the shared cache in front of the source registry.
type SourceCache interface {
	Get(ctx context.Context, name string) (domain.Source, error)
	Set(ctx context.Context, src domain.Source) error
}

// SourceService resolves marketplace domains to source rows. Lookups go
// through a process-local map, then the shared cache, then Postgres.
type SourceService struct {
	sources domain.SourceStore
	cache   SourceCache
	logger  *slog.Logger

	mu    sync.RWMutex
	local map[string]domain.Source
}

// NewSourceService creates a SourceService.
func NewSourceService(sources domain.SourceStore, cache SourceCache, logger *slog.Logger) *SourceService {
	return &SourceService{
		sources: sources,
		cache:   cache,
		logger:  logger,
		local:   make(map[string]domain.Source),
	}
}

// Resolve returns the source registered for name, creating it if needed.
func (s *SourceService) Resolve(ctx context.Context, name string) (domain.Source, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return domain.Source{}, fmt.Errorf("source_service: empty domain")
	}

	s.mu.RLock()
	src, ok := s.local[name]
	s.mu.RUnlock()
	if ok {
		return src, nil
	}

	if s.cache != nil {
		if src, err := s.cache.Get(ctx, name); err == nil {
			s.remember(src)
			return src, nil
		}
	}

	src, err := s.sources.GetOrCreate(ctx, name)
	if err != nil {
		return domain.Source{}, fmt.Errorf("source_service: resolve %q: %w", name, err)
	}
	s.remember(src)

	// Back-fill the shared cache; a failure only costs a later lookup.
	if s.cache != nil {
		if err := s.cache.Set(ctx, src); err != nil {
			s.logger.WarnContext(ctx, "source_service: cache set failed",
				slog.String("domain", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return src, nil
}

// Refresh reloads every source from Postgres into the local map.
func (s *SourceService) Refresh(ctx context.Context) (int, error) {
	all, err := s.sources.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("source_service: refresh: %w", err)
	}
	local := make(map[string]domain.Source, len(all))
	for _, src := range all {
		local[src.Domain] = src
	}
	s.mu.Lock()
	s.local = local
	s.mu.Unlock()
	return len(all), nil
}

func (s *SourceService) remember(src domain.Source) {
	s.mu.Lock()
	s.local[src.Domain] = src
	s.mu.Unlock()
}
