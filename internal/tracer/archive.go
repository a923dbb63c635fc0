package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// TraceIndex remembers where traces were archived.
type TraceIndex interface {
	RecordTrace(ctx context.Context, txHash, path string) error
	TracePath(ctx context.Context, txHash string) (string, error)
}

// ArchivedTraces serves traces from the blob archive when they were fetched
// before, and archives fresh traces after fetching them from the node.
type ArchivedTraces struct {
	source  domain.TraceSource
	index   TraceIndex
	archive domain.TraceArchive
	logger  *slog.Logger
}

// NewArchivedTraces wraps source.
func NewArchivedTraces(source domain.TraceSource, index TraceIndex, archive domain.TraceArchive, logger *slog.Logger) *ArchivedTraces {
	return &ArchivedTraces{
		source:  source,
		index:   index,
		archive: archive,
		logger:  logger.With(slog.String("component", "trace-archive")),
	}
}

// TransactionTrace implements domain.TraceSource.
func (a *ArchivedTraces) TransactionTrace(ctx context.Context, txHash string) (*domain.CallFrame, error) {
	if trace, err := a.cached(ctx, txHash); err == nil {
		return trace, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		a.logger.WarnContext(ctx, "archived trace unreadable",
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}

	trace, err := a.source.TransactionTrace(ctx, txHash)
	if err != nil {
		return nil, err
	}
	path, err := a.archive.ArchiveTrace(ctx, txHash, trace)
	if err != nil {
		a.logger.WarnContext(ctx, "archive trace failed",
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
		return trace, nil
	}
	if err := a.index.RecordTrace(ctx, txHash, path); err != nil {
		a.logger.WarnContext(ctx, "record trace failed",
			slog.String("tx_hash", txHash),
			slog.String("error", err.Error()),
		)
	}
	return trace, nil
}

// TransactionCall implements domain.TraceSource.
func (a *ArchivedTraces) TransactionCall(ctx context.Context, txHash string) (*domain.CallFrame, error) {
	return a.source.TransactionCall(ctx, txHash)
}

func (a *ArchivedTraces) cached(ctx context.Context, txHash string) (*domain.CallFrame, error) {
	path, err := a.index.TracePath(ctx, txHash)
	if err != nil {
		return nil, err
	}
	trace, err := a.archive.LoadTrace(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tracer: read %s: %w", path, err)
	}
	return trace, nil
}

var _ domain.TraceSource = (*ArchivedTraces)(nil)
