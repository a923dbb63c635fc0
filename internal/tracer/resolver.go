package tracer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/nftindexer/internal/domain"
)

// Decoder turns one matched exchange call into the sales it settled, in
// execution order. Batch methods yield more than one sale per call.
type Decoder[S any] func(call *domain.CallFrame, input []byte) ([]S, error)

// Resolver locates the exchange calls behind fill logs of one exchange.
type Resolver[S any] struct {
	traces domain.TraceSource
	match  Match
	decode Decoder[S]
	logger *slog.Logger
}

// NewResolver creates a Resolver for calls matching m.
func NewResolver[S any](traces domain.TraceSource, m Match, decode Decoder[S], logger *slog.Logger) *Resolver[S] {
	m.To = strings.ToLower(m.To)
	return &Resolver[S]{
		traces: traces,
		match:  m,
		decode: decode,
		logger: logger.With(slog.String("component", "tracer"), slog.String("exchange", m.To)),
	}
}

type txCursor[S any] struct {
	rank    int
	pending []S
	trace   *domain.CallFrame
	loaded  bool
	direct  bool
	done    bool
}

// Session tracks, per transaction, how many exchange calls the fill logs
// seen so far have consumed. Use one session per batch of logs processed
// in log order.
type Session[S any] struct {
	r   *Resolver[S]
	txs map[string]*txCursor[S]
}

// NewSession starts a session.
func (r *Resolver[S]) NewSession() *Session[S] {
	return &Session[S]{r: r, txs: make(map[string]*txCursor[S])}
}

// Next returns the sale behind the next fill log of txHash. It returns
// domain.ErrTraceUnavailable when no matching call is left; callers skip
// the fill in that case. Other errors are transient.
func (s *Session[S]) Next(ctx context.Context, txHash string) (S, error) {
	var zero S
	cur, ok := s.txs[txHash]
	if !ok {
		cur = &txCursor[S]{}
		s.txs[txHash] = cur
	}

	for len(cur.pending) == 0 {
		if cur.done {
			return zero, fmt.Errorf("%w: no call left in %s", domain.ErrTraceUnavailable, txHash)
		}
		call, err := s.nextCall(ctx, txHash, cur)
		if err != nil {
			return zero, err
		}
		input, err := hexutil.Decode(call.Input)
		if err != nil {
			return zero, fmt.Errorf("%w: calldata of %s: %v", domain.ErrTraceUnavailable, txHash, err)
		}
		sales, err := s.r.decode(call, input)
		if err != nil {
			s.r.logger.WarnContext(ctx, "undecodable exchange call",
				slog.String("tx_hash", txHash),
				slog.String("error", err.Error()),
			)
			continue
		}
		cur.pending = sales
	}

	sale := cur.pending[0]
	cur.pending = cur.pending[1:]
	return sale, nil
}

func (s *Session[S]) nextCall(ctx context.Context, txHash string, cur *txCursor[S]) (*domain.CallFrame, error) {
	if !cur.loaded {
		if err := s.load(ctx, txHash, cur); err != nil {
			return nil, err
		}
	}
	if cur.direct {
		cur.done = true
		return cur.trace, nil
	}
	call, ok := SearchForCall(cur.trace, s.r.match, cur.rank)
	if !ok {
		cur.done = true
		return nil, fmt.Errorf("%w: call #%d to %s not found in %s", domain.ErrTraceUnavailable, cur.rank, s.r.match.To, txHash)
	}
	cur.rank++
	return call, nil
}

// load fetches the trace, falling back to the top-level call when the node
// cannot trace and the transaction called the exchange directly.
func (s *Session[S]) load(ctx context.Context, txHash string, cur *txCursor[S]) error {
	trace, err := s.r.traces.TransactionTrace(ctx, txHash)
	if err == nil {
		cur.trace, cur.loaded = trace, true
		return nil
	}
	if isTimeout(ctx, err) {
		return fmt.Errorf("tracer: trace %s: %w", txHash, err)
	}
	s.r.logger.WarnContext(ctx, "trace unavailable, falling back to transaction input",
		slog.String("tx_hash", txHash),
		slog.String("error", err.Error()),
	)

	top, err := s.r.traces.TransactionCall(ctx, txHash)
	if err != nil {
		if isTimeout(ctx, err) {
			return fmt.Errorf("tracer: transaction %s: %w", txHash, err)
		}
		cur.loaded, cur.done = true, true
		return fmt.Errorf("%w: %s: %v", domain.ErrTraceUnavailable, txHash, err)
	}
	cur.loaded = true
	if !s.r.match.matches(top) {
		cur.done = true
		return fmt.Errorf("%w: %s does not call %s directly", domain.ErrTraceUnavailable, txHash, s.r.match.To)
	}
	cur.trace, cur.direct = top, true
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
