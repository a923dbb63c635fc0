package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// ChainLogs is the part of an Ethereum client the syncer needs.
type ChainLogs interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// LogProcessor consumes ordered logs of one block range.
type LogProcessor interface {
	ProcessLogs(ctx context.Context, logs []types.Log, blockTimes map[uint64]int64) error
	Topics() []common.Hash
}

// SyncerConfig controls the block ranges the syncer pulls.
type SyncerConfig struct {
	Cursor        string
	StartBlock    uint64
	Confirmations uint64
	BatchSize     uint64
	// HeaderFetchers bounds concurrent header lookups per range.
	HeaderFetchers int
}

// LogSyncer follows the chain a fixed number of confirmations behind the
// head, handing every range of logs to the processor before moving its
// cursor.
type LogSyncer struct {
	chain     ChainLogs
	processor LogProcessor
	cursors   domain.SyncStateStore
	cfg       SyncerConfig
	logger    *slog.Logger
}

// NewLogSyncer creates a new LogSyncer.
func NewLogSyncer(chain ChainLogs, processor LogProcessor, cursors domain.SyncStateStore, cfg SyncerConfig, logger *slog.Logger) *LogSyncer {
	if cfg.Cursor == "" {
		cfg.Cursor = "events"
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.HeaderFetchers <= 0 {
		cfg.HeaderFetchers = 8
	}
	return &LogSyncer{
		chain:     chain,
		processor: processor,
		cursors:   cursors,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "syncer")),
	}
}

// Run syncs every confirmed block past the cursor and returns the number of
// logs processed.
func (s *LogSyncer) Run(ctx context.Context) (int, error) {
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("head block: %w", err)
	}
	if head < s.cfg.Confirmations {
		return 0, nil
	}
	safe := head - s.cfg.Confirmations

	from := s.cfg.StartBlock
	cursor, err := s.cursors.GetCursor(ctx, s.cfg.Cursor)
	switch {
	case err == nil:
		from = cursor.Block + 1
	case !errors.Is(err, domain.ErrNotFound):
		return 0, fmt.Errorf("load cursor %s: %w", s.cfg.Cursor, err)
	}

	total := 0
	for from <= safe {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		to := min(from+s.cfg.BatchSize-1, safe)

		n, err := s.syncRange(ctx, from, to)
		if err != nil {
			return total, fmt.Errorf("sync blocks %d-%d: %w", from, to, err)
		}
		if err := s.cursors.SetCursor(ctx, s.cfg.Cursor, to); err != nil {
			return total, err
		}
		total += n

		s.logger.InfoContext(ctx, "synced block range",
			slog.Uint64("from", from),
			slog.Uint64("to", to),
			slog.Int("logs", n),
		)
		from = to + 1
	}
	return total, nil
}

func (s *LogSyncer) syncRange(ctx context.Context, from, to uint64) (int, error) {
	logs, err := s.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    [][]common.Hash{s.processor.Topics()},
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs: %w", err)
	}
	if len(logs) == 0 {
		return 0, nil
	}

	times, err := s.blockTimes(ctx, logs)
	if err != nil {
		return 0, err
	}
	if err := s.processor.ProcessLogs(ctx, logs, times); err != nil {
		return 0, err
	}
	return len(logs), nil
}

// blockTimes fetches the timestamp of every block the logs belong to.
func (s *LogSyncer) blockTimes(ctx context.Context, logs []types.Log) (map[uint64]int64, error) {
	var (
		mu    sync.Mutex
		times = make(map[uint64]int64)
	)
	seen := make(map[uint64]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.HeaderFetchers)
	for _, l := range logs {
		block := l.BlockNumber
		if seen[block] {
			continue
		}
		seen[block] = true
		g.Go(func() error {
			header, err := s.chain.HeaderByNumber(gctx, new(big.Int).SetUint64(block))
			if err != nil {
				return fmt.Errorf("header %d: %w", block, err)
			}
			mu.Lock()
			times[block] = int64(header.Time)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return times, nil
}

// RunLoop runs the syncer on a repeating interval until the context is
// cancelled.
func (s *LogSyncer) RunLoop(ctx context.Context, interval time.Duration) error {
	// Run immediately on start.
	if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("log sync failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("log syncer loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("log sync failed", slog.String("error", err.Error()))
			}
		}
	}
}
